package session

import (
	"encoding/json"
	"fmt"
	"time"

	"incontrol/internal/event"
)

// Session is one recorded working period of a single user on a single task.
type Session struct {
	ID              string
	UserName        string
	TaskDescription string
	StartedAt       time.Time
	// EndedAt is zero while the session is active.
	EndedAt    time.Time
	Reflection string
	Active     bool
}

// New creates an active session started at now.
func New(id, userName, taskDescription string, now time.Time) *Session {
	return &Session{
		ID:              id,
		UserName:        userName,
		TaskDescription: taskDescription,
		StartedAt:       now,
		Active:          true,
	}
}

// Stop ends the session with an optional reflection. Stopping an inactive
// session does nothing.
func (s *Session) Stop(reflection string, now time.Time) {
	if !s.Active {
		return
	}
	s.EndedAt = now
	s.Reflection = reflection
	s.Active = false
}

// Duration returns how long the session ran, or false while it is active.
func (s *Session) Duration() (time.Duration, bool) {
	if s.Active || s.EndedAt.IsZero() {
		return 0, false
	}
	return s.EndedAt.Sub(s.StartedAt), true
}

// wireSession is the persisted form. Timestamps are epoch milliseconds and
// the end fields are null until the session stops.
type wireSession struct {
	SessionID       string  `json:"sessionId"`
	UserName        string  `json:"userName"`
	TaskDescription string  `json:"taskDescription"`
	StartTimestamp  int64   `json:"startTimestamp"`
	EndTimestamp    *int64  `json:"endTimestamp"`
	Reflection      *string `json:"reflection"`
	IsActive        bool    `json:"isActive"`
}

func (s Session) MarshalJSON() ([]byte, error) {
	w := wireSession{
		SessionID:       s.ID,
		UserName:        s.UserName,
		TaskDescription: s.TaskDescription,
		StartTimestamp:  event.Millis(s.StartedAt),
		IsActive:        s.Active,
	}
	if !s.Active {
		end := event.Millis(s.EndedAt)
		reflection := s.Reflection
		w.EndTimestamp = &end
		w.Reflection = &reflection
	}
	return json.Marshal(w)
}

func (s *Session) UnmarshalJSON(b []byte) error {
	var w wireSession
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.SessionID == "" {
		return fmt.Errorf("session: missing sessionId")
	}

	*s = Session{
		ID:              w.SessionID,
		UserName:        w.UserName,
		TaskDescription: w.TaskDescription,
		StartedAt:       time.UnixMilli(w.StartTimestamp),
		Active:          w.IsActive,
	}
	if w.EndTimestamp != nil {
		s.EndedAt = time.UnixMilli(*w.EndTimestamp)
	}
	if w.Reflection != nil {
		s.Reflection = *w.Reflection
	}
	return nil
}
