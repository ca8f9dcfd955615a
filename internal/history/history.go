// Package history persists archived dictation sessions and their correlated
// event log.
//
// The store is append-only on the surface the daemon uses: sessions are
// inserted exactly once when they reach a terminal status, never updated or
// deleted, and listed most-recently-created first. Backing storage is a local
// SQLite file in WAL mode; a save is visible to a subsequent list call within
// the same process without extra synchronisation by the caller.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

// SQLite extended result codes for primary-key and unique violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// isConstraintErr reports whether err is a primary-key or unique violation.
func isConstraintErr(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqliteConstraintPrimaryKey || serr.Code() == sqliteConstraintUnique
}

// Status is the terminal outcome of an archived session.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusRetryAvailable Status = "retry_available"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
)

// IsValid reports whether s is a recognised terminal status.
func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusRetryAvailable, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// ErrDuplicateSession is returned by SaveSession when the identifier already
// exists; archived records are never overwritten.
var ErrDuplicateSession = errors.New("history: session already archived")

// ErrNotFound is returned by lookups for unknown session identifiers.
var ErrNotFound = errors.New("history: session not found")

// SessionRecord is one archived recording-to-transcript attempt.
type SessionRecord struct {
	ID              string
	CreatedAt       time.Time
	Duration        time.Duration
	PrimaryProvider string
	ProviderUsed    string
	Language        string
	OutputMode      string
	Status          Status
	Transcript      string
	AudioPath       string
}

// Event is one free-form log entry, optionally correlated with a session.
type Event struct {
	ID        string
	SessionID string
	Name      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	created_at       INTEGER NOT NULL,
	duration_ms      INTEGER NOT NULL,
	primary_provider TEXT NOT NULL,
	provider_used    TEXT NOT NULL,
	language         TEXT NOT NULL,
	output_mode      TEXT NOT NULL,
	status           TEXT NOT NULL,
	transcript       TEXT NOT NULL,
	audio_path       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions (created_at DESC);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	session_id TEXT,
	name       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, created_at);
`

// Store is the SQLite-backed history store. Safe for concurrent use; all
// synchronisation is delegated to database/sql and SQLite itself.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts rec. Fails with [ErrDuplicateSession] if the identifier
// already exists.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return errors.New("history: session id must not be empty")
	}
	if !rec.Status.IsValid() {
		return fmt.Errorf("history: invalid terminal status %q", rec.Status)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, duration_ms, primary_provider,
			provider_used, language, output_mode, status, transcript, audio_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.CreatedAt.UnixNano(), rec.Duration.Milliseconds(),
		rec.PrimaryProvider, rec.ProviderUsed, rec.Language, rec.OutputMode,
		string(rec.Status), rec.Transcript, rec.AudioPath)
	if isConstraintErr(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("history: insert session: %w", err)
	}
	return nil
}

// ListSessions returns up to limit archived sessions, most recently created
// first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, duration_ms, primary_provider, provider_used,
			language, output_mode, status, transcript, audio_path
		FROM sessions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var createdAt, durationMS int64
		var status string
		if err := rows.Scan(&rec.ID, &createdAt, &durationMS, &rec.PrimaryProvider,
			&rec.ProviderUsed, &rec.Language, &rec.OutputMode, &status,
			&rec.Transcript, &rec.AudioPath); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent records a free-form event, optionally correlated with a
// session. An empty sessionID stores an uncorrelated daemon-level event.
func (s *Store) AppendEvent(ctx context.Context, sessionID, name string, payload any) error {
	if name == "" {
		return errors.New("history: event name must not be empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("history: marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, name, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), sessionID, name, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("history: insert event: %w", err)
	}
	return nil
}

// EventsForSession returns all events correlated with sessionID in insertion
// order.
func (s *Store) EventsForSession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, payload, created_at
		FROM events
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Name, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = time.Unix(0, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PrimaryAudioFileURL returns the stored audio artifact path for sessionID,
// for replay of a past recording.
func (s *Store) PrimaryAudioFileURL(ctx context.Context, sessionID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT audio_path FROM sessions WHERE id = ?`, sessionID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("history: query audio path: %w", err)
	}
	return path, nil
}
