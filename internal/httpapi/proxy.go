package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/narration"
)

type pictureResponse struct {
	apod.Picture
	RateLimit apod.RateLimit `json:"rateLimit"`
}

// rateLimitResponse keeps NASA's gateway error shape so clients can match on
// error.code == "OVER_RATE_LIMIT" and retry.
type rateLimitResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type rewriteRequest struct {
	Explanation any `json:"explanation"`
}

type rewriteResponse struct {
	NewExplanation string `json:"newExplanation"`
}

type speechRequest struct {
	Text any `json:"text"`
}

func (s *Server) handleNASA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET requests are allowed.")
		return
	}
	if s.proxies.Pictures == nil || !s.proxies.Pictures.Configured() {
		respondError(w, http.StatusInternalServerError, "missing_credentials", "Missing NASA_API_KEY in environment variables.")
		return
	}

	date := apod.SanitizeDate(r.URL.Query().Get("date"))
	pic, rl, err := s.proxies.Pictures.Fetch(r.Context(), date)
	if err != nil {
		var upstream *apod.UpstreamError
		if errors.As(err, &upstream) && upstream.RateLimited() {
			var body rateLimitResponse
			body.Error.Code = "OVER_RATE_LIMIT"
			body.Error.Message = upstream.Message
			respondJSON(w, http.StatusTooManyRequests, body)
			return
		}
		s.log.Warn().Err(err).Str("date", date).Msg("nasa proxy failed")
		respondError(w, http.StatusInternalServerError, "upstream_failed", "Failed to fetch NASA data")
		return
	}

	s.log.Debug().
		Str("date", pic.Date).
		Str("limit", rl.Limit).
		Str("remaining", rl.Remaining).
		Str("reset", rl.Reset).
		Msg("nasa proxy served")
	respondJSON(w, http.StatusOK, pictureResponse{Picture: pic, RateLimit: rl})
}

func (s *Server) handleRewriteExplanation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed.")
		return
	}
	var req rewriteRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	explanation, ok := req.Explanation.(string)
	if !ok || explanation == "" {
		respondError(w, http.StatusBadRequest, "invalid_explanation", "A valid 'explanation' string is required.")
		return
	}
	if s.proxies.Narrator == nil || !s.proxies.Narrator.Configured() {
		respondError(w, http.StatusInternalServerError, "missing_credentials", "Missing OPENAI_API_KEY in environment variables.")
		return
	}

	rewritten, err := s.proxies.Narrator.Rewrite(r.Context(), explanation)
	if err != nil {
		s.log.Warn().Err(err).Msg("rewrite proxy failed")
		respondError(w, http.StatusInternalServerError, "upstream_failed", "Failed to rewrite explanation.")
		return
	}
	respondJSON(w, http.StatusOK, rewriteResponse{NewExplanation: rewritten})
}

func (s *Server) handleGenerateTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed.")
		return
	}
	var req speechRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text, ok := req.Text.(string)
	if !ok || strings.TrimSpace(text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "Missing text.")
		return
	}
	if s.proxies.Narrator == nil || !s.proxies.Narrator.Configured() {
		respondError(w, http.StatusInternalServerError, "missing_credentials", "Missing OPENAI_API_KEY in environment variables.")
		return
	}

	speech, err := s.proxies.Narrator.Speech(r.Context(), text, "mp3")
	if err != nil {
		s.log.Warn().Err(err).Msg("speech proxy failed")
		respondError(w, http.StatusInternalServerError, "upstream_failed", "Failed to generate speech.")
		return
	}
	defer speech.Body.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 16<<10)
	written := 0
	for {
		n, readErr := speech.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				s.log.Debug().Err(err).Int("bytes", written).Msg("speech client went away")
				return
			}
			written += n
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.log.Debug().Int("bytes", written).Msg("speech stream ended")
				return
			}
			// Headers are gone; abort so the client sees a truncated response.
			s.log.Warn().Err(readErr).Int("bytes", written).Msg("speech stream failed")
			panic(http.ErrAbortHandler)
		}
	}
}

func (s *Server) handleNarration(w http.ResponseWriter, r *http.Request) {
	if s.proxies.Narrations == nil {
		respondError(w, http.StatusNotFound, "narration_not_found", narration.ErrNotFound.Error())
		return
	}
	audio, err := s.proxies.Narrations.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "narration_not_found", err.Error())
		return
	}
	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, audio.ID+".wav", audio.CreatedAt, bytes.NewReader(audio.Data))
}
