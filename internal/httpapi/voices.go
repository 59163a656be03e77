package httpapi

import (
	"net/http"
	"strings"
)

type voiceSummary struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
	Tone    string `json:"tone,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Model          string         `json:"model"`
	Voices         []voiceSummary `json:"voices"`
}

var openAIVoices = []voiceSummary{
	{VoiceID: "alloy", Name: "Alloy", Tone: "neutral"},
	{VoiceID: "ash", Name: "Ash", Tone: "energetic"},
	{VoiceID: "coral", Name: "Coral", Tone: "warm"},
	{VoiceID: "echo", Name: "Echo", Tone: "calm"},
	{VoiceID: "fable", Name: "Fable", Tone: "storyteller"},
	{VoiceID: "nova", Name: "Nova", Tone: "bright"},
	{VoiceID: "onyx", Name: "Onyx", Tone: "deep"},
	{VoiceID: "sage", Name: "Sage", Tone: "measured"},
	{VoiceID: "shimmer", Name: "Shimmer", Tone: "light"},
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	defaultID := strings.TrimSpace(s.cfg.OpenAITTSVoice)
	if defaultID == "" {
		defaultID = "ash"
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: defaultID,
		Model:          s.cfg.OpenAITTSModel,
		Voices:         openAIVoices,
	})
}
