package models

import (
	"time"

	"github.com/google/uuid"
)

// Job is the queue payload that drives one pipeline attempt for a session.
type Job struct {
	SessionID  uuid.UUID `json:"session_id"`
	UserID     uuid.UUID `json:"user_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusUpdate struct {
	SessionID uuid.UUID     `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Step      int           `json:"step"`
	StepName  string        `json:"step_name"`
}

type CompletedEvent struct {
	SessionID uuid.UUID   `json:"session_id"`
	CardIDs   []uuid.UUID `json:"card_ids"`
}

type ErrorEvent struct {
	SessionID    uuid.UUID `json:"session_id"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
