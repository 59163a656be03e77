package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	ChatModel string            `json:"chat_model"`
	TTSModel  string            `json:"tts_model"`
	TTSVoice  string            `json:"tts_voice"`
	Checks    []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]onboardingCheck, 0, 5)
	checks = append(checks, credentialCheck("nasa_api_key", "NASA API key", s.cfg.NASAAPIKey,
		"Set NASA_API_KEY (https://api.nasa.gov). DEMO_KEY works but is heavily rate limited."))
	checks = append(checks, credentialCheck("openai_api_key", "OpenAI API key", s.cfg.OpenAIAPIKey,
		"Set OPENAI_API_KEY to enable caption rewrites and narration."))
	checks = append(checks, endpointCheck("nasa_apod_url", "APOD endpoint", s.cfg.NASAAPODURL))
	checks = append(checks, endpointCheck("openai_base_url", "OpenAI endpoint", s.cfg.OpenAIBaseURL))
	if s.cfg.NASAAPIKey == "DEMO_KEY" {
		checks = append(checks, onboardingCheck{
			ID:     "nasa_quota",
			Status: "warn",
			Label:  "NASA quota",
			Detail: fmt.Sprintf("DEMO_KEY; local limiter at %d req/min", s.cfg.NASARequestsPerMinute),
			Fix:    "Register a personal key to avoid OVER_RATE_LIMIT retries.",
		})
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		ChatModel: s.cfg.OpenAIChatModel,
		TTSModel:  s.cfg.OpenAITTSModel,
		TTSVoice:  s.cfg.OpenAITTSVoice,
		Checks:    checks,
	})
}

func credentialCheck(id, label, value, fix string) onboardingCheck {
	if strings.TrimSpace(value) == "" {
		return onboardingCheck{ID: id, Status: "error", Label: label, Detail: "missing", Fix: fix}
	}
	return onboardingCheck{ID: id, Status: "ok", Label: label, Detail: "configured"}
}

func endpointCheck(id, label, raw string) onboardingCheck {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return onboardingCheck{ID: id, Status: "error", Label: label, Detail: raw, Fix: "Use an absolute http(s) URL."}
	}
	if u.Scheme == "http" && !isLocalHost(u.Hostname()) {
		return onboardingCheck{ID: id, Status: "warn", Label: label, Detail: raw, Fix: "Credentials are sent in clear text; prefer https."}
	}
	return onboardingCheck{ID: id, Status: "ok", Label: label, Detail: u.Host}
}

func isLocalHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
