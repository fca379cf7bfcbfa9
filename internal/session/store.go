package session

import (
	"context"
	"errors"

	"incontrol/internal/event"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store persists sessions and the events recorded during them.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns every session in creation order.
	ListSessions(ctx context.Context) ([]*Session, error)
	// AppendEvent stores ev under its session. It fails with ErrNotFound when
	// the session does not exist.
	AppendEvent(ctx context.Context, ev event.Event) error
	// ListEvents returns a session's events in the order they were appended.
	ListEvents(ctx context.Context, sessionID string) ([]event.Event, error)
	Close() error
}
