package httpapi

import (
	"net/http"

	"github.com/ent0n29/spaceshowcase/internal/playback"
	"github.com/ent0n29/spaceshowcase/internal/showcase"
)

type uiSettingsResponse struct {
	FrameRate       int   `json:"frame_rate"`
	FFTSize         int   `json:"fft_size"`
	SpeechThreshold int   `json:"speech_threshold"`
	FetchRetries    int   `json:"fetch_retries"`
	RetryBackoffMS  int64 `json:"retry_backoff_ms"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		FrameRate:       s.cfg.FrameRate,
		FFTSize:         playback.DefaultFFTSize,
		SpeechThreshold: s.cfg.SpeechThreshold,
		FetchRetries:    showcase.DefaultMaxRetries,
		RetryBackoffMS:  s.cfg.RetryBackoff.Milliseconds(),
	})
}
