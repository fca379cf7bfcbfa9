// Package jsonfile stores sessions in a single JSON document of the form
// {"sessions": [...]}, each session carrying its own "events" array.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"incontrol/internal/event"
	"incontrol/internal/session"
)

const (
	eventsKey = "events"

	// saveEvery bounds how many appended events may sit unsaved. It matches
	// the observer's flush batch, so a flush costs at most one rewrite.
	saveEvery = 10
)

// Store keeps the whole document in memory. Session changes rewrite the file
// immediately; appended events are written once per interaction_end, every
// saveEvery events, and on Close.
type Store struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	entries []*entry
	unsaved int
}

type entry struct {
	session *session.Session
	events  []event.Event
}

// Open loads the document at path. A missing file is an empty store. A file
// that cannot be parsed is moved aside and also treated as empty.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, log: logger.With(zap.String("path", path))}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read sessions: %w", err)
	}

	entries, err := decode(data)
	if err != nil {
		backup := path + ".corrupt"
		s.log.Error("unreadable session file, starting empty",
			zap.String("backup", backup),
			zap.Error(err),
		)
		if rerr := os.Rename(path, backup); rerr != nil {
			s.log.Warn("failed to move unreadable session file", zap.Error(rerr))
		}
		return s, nil
	}

	s.entries = entries
	s.log.Debug("read sessions", zap.Int("count", len(entries)))
	return s, nil
}

func (s *Store) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(sess.ID) != nil {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	cp := *sess
	s.entries = append(s.entries, &entry{session: &cp})
	return s.save()
}

func (s *Store) UpdateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(sess.ID)
	if e == nil {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sess.ID)
	}
	cp := *sess
	e.session = &cp
	return s.save()
}

func (s *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	cp := *e.session
	return &cp, nil
}

func (s *Store) ListSessions(context.Context) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*session.Session, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e.session
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) AppendEvent(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(ev.SessionID)
	if e == nil {
		return fmt.Errorf("%w: %s", session.ErrNotFound, ev.SessionID)
	}
	e.events = append(e.events, ev)
	s.unsaved++
	if ev.Type != event.KindInteractionEnd && s.unsaved < saveEvery {
		return nil
	}
	return s.save()
}

func (s *Store) ListEvents(_ context.Context, sessionID string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(sessionID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	return append([]event.Event(nil), e.events...), nil
}

// Close writes any events appended since the last save.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsaved == 0 {
		return nil
	}
	return s.save()
}

func (s *Store) find(id string) *entry {
	for _, e := range s.entries {
		if e.session.ID == id {
			return e
		}
	}
	return nil
}

// save writes the document to a temporary file and renames it into place.
func (s *Store) save() error {
	data, err := encode(s.entries)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}

	s.unsaved = 0
	s.log.Debug("wrote sessions", zap.Int("count", len(s.entries)))
	return nil
}

type document struct {
	Sessions []json.RawMessage `json:"sessions"`
}

// encode renders each session with its events folded in under eventsKey.
func encode(entries []*entry) ([]byte, error) {
	doc := document{Sessions: make([]json.RawMessage, 0, len(entries))}
	for _, e := range entries {
		raw, err := json.Marshal(e.session)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}

		events := e.events
		if events == nil {
			events = []event.Event{}
		}
		if fields[eventsKey], err = json.Marshal(events); err != nil {
			return nil, err
		}

		merged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		doc.Sessions = append(doc.Sessions, merged)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func decode(data []byte) ([]*entry, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	entries := make([]*entry, 0, len(doc.Sessions))
	for i, raw := range doc.Sessions {
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}

		var withEvents struct {
			Events []event.Event `json:"events"`
		}
		if err := json.Unmarshal(raw, &withEvents); err != nil {
			return nil, fmt.Errorf("session %s events: %w", sess.ID, err)
		}

		entries = append(entries, &entry{session: &sess, events: withEvents.Events})
	}
	return entries, nil
}
