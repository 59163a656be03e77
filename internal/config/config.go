package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the showcase service.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"2m"`
	SessionRetention         time.Duration `env:"APP_SESSION_RETENTION" envDefault:"5m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"showcase"`
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	LogLevel                 string        `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat                string        `env:"APP_LOG_FORMAT" envDefault:"json"`

	// Missing keys are not a load error; the endpoints that need them answer 500.
	NASAAPIKey            string        `env:"NASA_API_KEY"`
	NASAAPODURL           string        `env:"NASA_APOD_URL" envDefault:"https://api.nasa.gov/planetary/apod"`
	NASARequestsPerMinute int           `env:"NASA_REQUESTS_PER_MINUTE" envDefault:"30"`
	NASACacheTTL          time.Duration `env:"NASA_CACHE_TTL" envDefault:"6h"`

	OpenAIAPIKey      string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string  `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIChatModel   string  `env:"OPENAI_CHAT_MODEL" envDefault:"gpt-4o"`
	OpenAITemperature float64 `env:"OPENAI_TEMPERATURE" envDefault:"0.7"`
	OpenAITTSModel    string  `env:"OPENAI_TTS_MODEL" envDefault:"tts-1"`
	OpenAITTSVoice    string  `env:"OPENAI_TTS_VOICE" envDefault:"ash"`

	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"60s"`

	FrameRate       int           `env:"SHOWCASE_FRAME_RATE" envDefault:"60"`
	SpeechThreshold int           `env:"SHOWCASE_SPEECH_THRESHOLD" envDefault:"1500"`
	RetryBackoff    time.Duration `env:"SHOWCASE_RETRY_BACKOFF" envDefault:"1s"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.NASAAPIKey = strings.TrimSpace(cfg.NASAAPIKey)
	cfg.OpenAIAPIKey = strings.TrimSpace(cfg.OpenAIAPIKey)
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("APP_SESSION_RETENTION must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.NASARequestsPerMinute <= 0 {
		return fmt.Errorf("NASA_REQUESTS_PER_MINUTE must be positive")
	}
	if c.NASACacheTTL < 0 {
		return fmt.Errorf("NASA_CACHE_TTL must be >= 0")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	if c.FrameRate < 1 || c.FrameRate > 240 {
		return fmt.Errorf("SHOWCASE_FRAME_RATE must be within 1..240")
	}
	if c.SpeechThreshold <= 0 {
		return fmt.Errorf("SHOWCASE_SPEECH_THRESHOLD must be positive")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("SHOWCASE_RETRY_BACKOFF must be positive")
	}
	if c.OpenAITemperature < 0 || c.OpenAITemperature > 2 {
		return fmt.Errorf("OPENAI_TEMPERATURE must be within 0..2")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// FrameInterval is the sampling period of the speech monitor.
func (c Config) FrameInterval() time.Duration {
	if c.FrameRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.FrameRate)
}
