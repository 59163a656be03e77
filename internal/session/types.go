package session

import "time"

// CreateRequest defines payload for creating a new viewer session.
type CreateRequest struct {
	ViewerID string `json:"viewer_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	ViewerID        string    `json:"viewer_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	// Resumed is set when the viewer's existing active session was returned.
	Resumed bool `json:"resumed"`
}
