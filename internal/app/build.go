package app

import (
	"github.com/rs/zerolog"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/config"
	"github.com/ent0n29/spaceshowcase/internal/httpapi"
	"github.com/ent0n29/spaceshowcase/internal/llm"
	"github.com/ent0n29/spaceshowcase/internal/narration"
	"github.com/ent0n29/spaceshowcase/internal/observability"
	"github.com/ent0n29/spaceshowcase/internal/session"
	"github.com/ent0n29/spaceshowcase/internal/showcase"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *showcase.Orchestrator
	Pictures     *apod.Client
	Narrator     *llm.Client
	Narrations   *narration.Store
	Metrics      *observability.Metrics
	// Upstreams is a one-line summary of which upstream APIs are enabled.
	Upstreams string

	// Cleanup should be called on shutdown to stop every showcase and drop cached audio.
	Cleanup func() error
}

func Build(cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	upstreams := resolveUpstreams(cfg, metrics, logger)
	store := narration.NewStore()

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	orchestrator := showcase.NewOrchestrator(showcase.OrchestratorConfig{
		FrameInterval:   cfg.FrameInterval(),
		SpeechThreshold: cfg.SpeechThreshold,
		RetryBackoff:    cfg.RetryBackoff,
	}, upstreams.pictures, upstreams.narrator, upstreams.narrator, store, sessions, metrics, logger)

	sessions.SetEndHook(func(s *session.Session) {
		orchestrator.EndSession(s.ID)
	})
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, orchestrator, httpapi.Proxies{
		Pictures:   upstreams.pictures,
		Narrator:   upstreams.narrator,
		Narrations: store,
	}, metrics, logger)

	cleanup := func() error {
		orchestrator.Close()
		if n := store.Len(); n > 0 {
			logger.Debug().Int("narrations", n).Int("bytes", store.Bytes()).Msg("dropping cached narrations")
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Pictures:     upstreams.pictures,
		Narrator:     upstreams.narrator,
		Narrations:   store,
		Metrics:      metrics,
		Upstreams:    upstreams.detail,
		Cleanup:      cleanup,
	}, nil
}
