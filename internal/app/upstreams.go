package app

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/config"
	"github.com/ent0n29/spaceshowcase/internal/llm"
	"github.com/ent0n29/spaceshowcase/internal/observability"
)

type upstreamSetup struct {
	pictures *apod.Client
	narrator *llm.Client
	detail   string
}

func resolveUpstreams(cfg config.Config, metrics *observability.Metrics, logger zerolog.Logger) upstreamSetup {
	pictures := apod.NewClient(apod.Config{
		BaseURL:           cfg.NASAAPODURL,
		APIKey:            cfg.NASAAPIKey,
		RequestsPerMinute: cfg.NASARequestsPerMinute,
		CacheTTL:          cfg.NASACacheTTL,
		Timeout:           cfg.UpstreamTimeout,
	}, metrics, logger)

	narrator := llm.NewClient(llm.Config{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		ChatModel:   cfg.OpenAIChatModel,
		Temperature: cfg.OpenAITemperature,
		TTSModel:    cfg.OpenAITTSModel,
		TTSVoice:    cfg.OpenAITTSVoice,
		Timeout:     cfg.UpstreamTimeout,
	}, metrics, logger)

	parts := make([]string, 0, 2)
	if pictures.Configured() {
		parts = append(parts, "apod "+hostOf(cfg.NASAAPODURL))
	} else {
		parts = append(parts, "apod disabled (NASA_API_KEY unset)")
	}
	if narrator.Configured() {
		parts = append(parts, fmt.Sprintf("openai %s/%s voice=%s", cfg.OpenAIChatModel, cfg.OpenAITTSModel, cfg.OpenAITTSVoice))
	} else {
		parts = append(parts, "openai disabled (OPENAI_API_KEY unset)")
	}

	return upstreamSetup{
		pictures: pictures,
		narrator: narrator,
		detail:   strings.Join(parts, ", "),
	}
}

func hostOf(raw string) string {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
