package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeShowcaseState MessageType = "showcase_state"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionNextImage  = "next_image"
	ActionNarrate    = "narrate"
	ActionTogglePlay = "toggle_play"
	ActionStop       = "stop"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported client action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// Picture mirrors the APOD record shown to the viewer.
type Picture struct {
	Title       string `json:"title"`
	Date        string `json:"date"`
	Explanation string `json:"explanation"`
	MediaType   string `json:"media_type"`
	URL         string `json:"url"`
}

// ShowcaseState is the full snapshot a viewer renders from.
type ShowcaseState struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Picture       *Picture    `json:"picture,omitempty"`
	Loading       bool        `json:"loading"`
	Narrating     bool        `json:"narrating"`
	Error         string      `json:"error,omitempty"`
	NarrationURL  string      `json:"narration_url,omitempty"`
	PuppetVisible bool        `json:"puppet_visible"`
	Playing       bool        `json:"playing"`
	Speaking      bool        `json:"speaking"`
	Generation    uint64      `json:"generation"`
	// PlaybackPhase is one of idle, starting, playing, paused or ended.
	PlaybackPhase string `json:"playback_phase"`
	// PlaybackSession changes whenever narration audio restarts from the beginning.
	PlaybackSession uint64 `json:"playback_session"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if !KnownAction(msg.Action) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func KnownAction(action string) bool {
	switch action {
	case ActionNextImage, ActionNarrate, ActionTogglePlay, ActionStop:
		return true
	default:
		return false
	}
}

// TypeOf reports the message type of any protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientControl:
		return m.Type, true
	case ShowcaseState:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
