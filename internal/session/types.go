package session

import "time"

// CreateRequest defines payload for creating a new chat session.
type CreateRequest struct {
	UserID    string `json:"user_id"`
	Tier      string `json:"tier"`
	PersonaID string `json:"persona_id"`
	Mode      string `json:"mode"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	PersonaID       string    `json:"persona_id"`
	Tier            string    `json:"tier"`
	Mode            string    `json:"mode"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
