// Package sqlite stores sessions and events in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"incontrol/internal/event"
	"incontrol/internal/session"
)

// Store is a SQLite implementation of session.Store.
type Store struct {
	db *sql.DB
}

var _ session.Store = (*Store)(nil)

// New opens or creates the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			task_description TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			reflection TEXT,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			interaction_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_interaction ON events(interaction_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	query := `INSERT INTO sessions (id, user_name, task_description, started_at, ended_at, reflection, active)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	endedAt, reflection := stopFields(sess)
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.UserName, sess.TaskDescription, event.Millis(sess.StartedAt),
		endedAt, reflection, sess.Active)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	query := `UPDATE sessions
	          SET user_name = ?, task_description = ?, started_at = ?, ended_at = ?, reflection = ?, active = ?
	          WHERE id = ?`

	endedAt, reflection := stopFields(sess)
	result, err := s.db.ExecContext(ctx, query,
		sess.UserName, sess.TaskDescription, event.Millis(sess.StartedAt),
		endedAt, reflection, sess.Active, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sess.ID)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	query := `SELECT id, user_name, task_description, started_at, ended_at, reflection, active
	          FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]*session.Session, error) {
	query := `SELECT id, user_name, task_description, started_at, ended_at, reflection, active
	          FROM sessions ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, ev event.Event) error {
	payload, err := ev.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExists(ctx, tx, ev.SessionID); err != nil {
		return err
	}

	query := `INSERT INTO events (id, session_id, event_type, interaction_id, timestamp, payload)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		ev.ID, ev.SessionID, string(ev.Type), ev.InteractionID(), event.Millis(ev.Timestamp), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]event.Event, error) {
	if err := sessionExists(ctx, s.db, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT payload FROM events WHERE session_id = ? ORDER BY rowid ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev, err := event.Decode([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sessionExists(ctx context.Context, q queryer, id string) error {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess       session.Session
		startedAt  int64
		endedAt    sql.NullInt64
		reflection sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.UserName, &sess.TaskDescription,
		&startedAt, &endedAt, &reflection, &sess.Active); err != nil {
		return nil, err
	}

	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		sess.EndedAt = time.UnixMilli(endedAt.Int64)
	}
	sess.Reflection = reflection.String
	return &sess, nil
}

// stopFields returns the nullable columns, which stay NULL while the session
// is active.
func stopFields(sess *session.Session) (sql.NullInt64, sql.NullString) {
	if sess.Active {
		return sql.NullInt64{}, sql.NullString{}
	}
	return sql.NullInt64{Int64: event.Millis(sess.EndedAt), Valid: true},
		sql.NullString{String: sess.Reflection, Valid: true}
}
