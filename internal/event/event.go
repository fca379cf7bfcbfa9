package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies what an Event describes. The set is closed.
type Kind string

const (
	KindInteractionStart Kind = "interaction_start"
	KindUserPrompt       Kind = "user_prompt"
	KindClaudeResponse   Kind = "claude_response"
	KindInteractionEnd   Kind = "interaction_end"
)

// SourceClaudeEcho tags a prompt that was read back from the terminal echo.
const SourceClaudeEcho = "claude_echo"

var (
	ErrUnknownKind  = errors.New("unknown event type")
	ErrInvalidEvent = errors.New("invalid event")
)

// Kinds returns every known kind in lifecycle order.
func Kinds() []Kind {
	return []Kind{KindInteractionStart, KindUserPrompt, KindClaudeResponse, KindInteractionEnd}
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	switch k {
	case KindInteractionStart, KindUserPrompt, KindClaudeResponse, KindInteractionEnd:
		return true
	}
	return false
}

// Payload is the kind-specific part of an Event. Only the types in this
// package implement it.
type Payload interface {
	Kind() Kind
	interaction() string
}

// InteractionStart is emitted when a boundary marker opens an interaction.
type InteractionStart struct {
	InteractionID string `json:"interactionId"`
	Timestamp     int64  `json:"timestamp"`
}

// UserPrompt carries the prompt text extracted from the marker line.
type UserPrompt struct {
	InteractionID string `json:"interactionId"`
	Prompt        string `json:"prompt"`
	Source        string `json:"source"`
	Timestamp     int64  `json:"timestamp"`
}

// ClaudeResponse carries the text captured between a prompt and the next boundary.
type ClaudeResponse struct {
	InteractionID string `json:"interactionId"`
	Response      string `json:"response"`
	Truncated     bool   `json:"truncated,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// InteractionEnd closes an interaction. Duration is in milliseconds.
type InteractionEnd struct {
	InteractionID string `json:"interactionId"`
	Duration      int64  `json:"duration"`
	Timestamp     int64  `json:"timestamp"`
}

func (InteractionStart) Kind() Kind { return KindInteractionStart }
func (UserPrompt) Kind() Kind       { return KindUserPrompt }
func (ClaudeResponse) Kind() Kind   { return KindClaudeResponse }
func (InteractionEnd) Kind() Kind   { return KindInteractionEnd }

func (p InteractionStart) interaction() string { return p.InteractionID }
func (p UserPrompt) interaction() string       { return p.InteractionID }
func (p ClaudeResponse) interaction() string   { return p.InteractionID }
func (p InteractionEnd) interaction() string   { return p.InteractionID }

// Event is one observed occurrence. Events are values: every field, the
// payload included, is copied on assignment.
type Event struct {
	ID        string
	SessionID string
	UserName  string
	Type      Kind
	Timestamp time.Time
	Data      Payload
}

// New builds an event whose Type is taken from the payload.
func New(id, sessionID, userName string, ts time.Time, data Payload) (Event, error) {
	if data == nil {
		return Event{}, fmt.Errorf("%w: nil payload", ErrInvalidEvent)
	}
	if id == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	return Event{
		ID:        id,
		SessionID: sessionID,
		UserName:  userName,
		Type:      data.Kind(),
		Timestamp: ts,
		Data:      data,
	}, nil
}

// InteractionID returns the id of the interaction the event belongs to.
func (e Event) InteractionID() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.interaction()
}

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

type wireEvent struct {
	EventID   string          `json:"eventId"`
	SessionID string          `json:"sessionId"`
	UserName  string          `json:"userName"`
	EventType Kind            `json:"eventType"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidEvent)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(wireEvent{
		EventID:   e.ID,
		SessionID: e.SessionID,
		UserName:  e.UserName,
		EventType: e.Type,
		Timestamp: Millis(e.Timestamp),
		Data:      data,
	})
}

// UnmarshalJSON decodes the wire shape, selecting the payload variant by eventType.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if w.EventID == "" {
		return fmt.Errorf("%w: missing 'eventId' field", ErrInvalidEvent)
	}
	data, err := DecodePayload(w.EventType, w.Data)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        w.EventID,
		SessionID: w.SessionID,
		UserName:  w.UserName,
		Type:      w.EventType,
		Timestamp: time.UnixMilli(w.Timestamp),
		Data:      data,
	}
	return nil
}

// Decode parses a single JSON-encoded event.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// DecodePayload parses the data object of an event of the given kind.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing 'data' field for %s", ErrInvalidEvent, kind)
	}

	var (
		p   Payload
		err error
	)
	switch kind {
	case KindInteractionStart:
		var v InteractionStart
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUserPrompt:
		var v UserPrompt
		err = json.Unmarshal(raw, &v)
		p = v
	case KindClaudeResponse:
		var v ClaudeResponse
		err = json.Unmarshal(raw, &v)
		p = v
	case KindInteractionEnd:
		var v InteractionEnd
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", kind, err)
	}
	if p.interaction() == "" {
		return nil, fmt.Errorf("%w: missing 'interactionId' in %s payload", ErrInvalidEvent, kind)
	}
	return p, nil
}
