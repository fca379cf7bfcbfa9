package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"incontrol/internal/event"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate      = "session.update"
	TypeEventRecorded      = "event.recorded"
	TypeSessionEvents      = "session.events"
	TypeInteractionCurrent = "interaction.current"
	TypeError              = "error"
)

// Client → Server message types.
const (
	TypeSessionRequestEvents      = "session.requestEvents"
	TypeInteractionRequestCurrent = "interaction.requestCurrent"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrStoreFailed     = "STORE_FAILED"
)

// Server → Client payloads.

// SessionUpdatePayload mirrors the persisted session record.
type SessionUpdatePayload struct {
	SessionID       string  `json:"sessionId"`
	UserName        string  `json:"userName"`
	TaskDescription string  `json:"taskDescription"`
	StartTimestamp  int64   `json:"startTimestamp"`
	EndTimestamp    *int64  `json:"endTimestamp"`
	Reflection      *string `json:"reflection"`
	IsActive        bool    `json:"isActive"`
}

type SessionEventsPayload struct {
	SessionID string        `json:"sessionId"`
	Events    []event.Event `json:"events"`
}

// InteractionCurrentPayload describes the open interaction. Open is false
// when there is none and the other fields are then empty.
type InteractionCurrentPayload struct {
	Open          bool   `json:"open"`
	InteractionID string `json:"interactionId,omitempty"`
	UserPrompt    string `json:"userPrompt,omitempty"`
	StartedAt     int64  `json:"startedAt,omitempty"`
	EventCount    int    `json:"eventCount,omitempty"`
	ResponseBytes int    `json:"responseBytes,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
