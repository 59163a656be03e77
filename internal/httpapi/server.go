package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/config"
	"github.com/ent0n29/spaceshowcase/internal/llm"
	"github.com/ent0n29/spaceshowcase/internal/narration"
	"github.com/ent0n29/spaceshowcase/internal/observability"
	"github.com/ent0n29/spaceshowcase/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

// PictureFetcher backs GET /api/nasa.
type PictureFetcher interface {
	Configured() bool
	Fetch(ctx context.Context, date string) (apod.Picture, apod.RateLimit, error)
}

// Narrator backs the caption rewrite and speech proxies.
type Narrator interface {
	Configured() bool
	Rewrite(ctx context.Context, explanation string) (string, error)
	Speech(ctx context.Context, text, format string) (*llm.Speech, error)
}

// NarrationReader serves cached narration audio by handle.
type NarrationReader interface {
	Get(id string) (narration.Audio, error)
}

// Proxies groups the upstream collaborators the proxy endpoints call.
type Proxies struct {
	Pictures   PictureFetcher
	Narrator   Narrator
	Narrations NarrationReader
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	proxies      Proxies
	metrics      *observability.Metrics
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	static       http.Handler
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, proxies Proxies, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		proxies:      proxies,
		metrics:      metrics,
		log:          logger.With().Str("component", "httpapi").Logger(),
		static:       newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may drive a viewer session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	// Method checks live in the handlers so a wrong verb gets the JSON 405.
	r.HandleFunc("/api/nasa", s.handleNASA)
	r.HandleFunc("/api/rewriteExplanation", s.handleRewriteExplanation)
	r.HandleFunc("/api/generateTTS", s.handleGenerateTTS)
	r.Get("/api/narration/{id}", s.handleNarration)

	r.Post("/v1/showcase/session", s.handleCreateSession)
	r.Post("/v1/showcase/session/{id}/end", s.handleEndSession)
	r.Get("/v1/showcase/session/ws", s.handleSessionWS)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/ui/settings", s.handleUISettings)
	r.Get("/v1/voice/voices", s.handleListVoices)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"nasa_configured":  s.proxies.Pictures != nil && s.proxies.Pictures.Configured(),
		"llm_configured":   s.proxies.Narrator != nil && s.proxies.Narrator.Configured(),
		"showcase_enabled": s.orchestrator != nil,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ViewerID) == "" {
		req.ViewerID = "anonymous"
	}

	// A returning viewer picks its live session back up, showcase included.
	if req.ViewerID != "anonymous" {
		if sess, err := s.sessions.ForViewer(req.ViewerID); err == nil {
			_ = s.sessions.Touch(sess.ID)
			s.metrics.SessionEvents.WithLabelValues("resumed").Inc()
			s.respondSession(w, http.StatusOK, sess, true)
			return
		}
	}

	sess := s.sessions.Create(req.ViewerID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.respondSession(w, http.StatusCreated, sess, false)
}

func (s *Server) respondSession(w http.ResponseWriter, status int, sess *session.Session, resumed bool) {
	respondJSON(w, status, session.CreateResponse{
		SessionID:       sess.ID,
		ViewerID:        sess.ViewerID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
		Resumed:         resumed,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
