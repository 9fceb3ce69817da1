// Package registry persists serving sessions and per-request outcomes in a
// local sqlite database for the status surface.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for lookups of unknown sessions.
var ErrNotFound = errors.New("registry: not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	model      TEXT    NOT NULL,
	parties    INTEGER NOT NULL,
	budget     INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);
CREATE TABLE IF NOT EXISTS requests (
	id         TEXT PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	outcome    TEXT    NOT NULL,
	error      TEXT    NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_session ON requests(session_id, created_at);
`

// Session is one serving run of a model.
type Session struct {
	ID        int64     `json:"id"`
	Model     string    `json:"model"`
	Parties   int       `json:"parties"`
	Budget    int       `json:"budget"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Ended     bool      `json:"ended"`
}

// Request is one recorded inference request.
type Request struct {
	ID        string        `json:"id"`
	SessionID int64         `json:"session_id"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// Registry wraps the sqlite database. Timestamps are stored as unix
// milliseconds so no driver-side time parsing is involved.
type Registry struct {
	db *sql.DB
}

// Open opens or creates the registry database. ":memory:" gives a private
// in-memory registry, which the tests and the demo use.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: opening %s: %w", path, err)
	}
	// A single connection keeps sqlite writes serialized and makes
	// ":memory:" behave as one database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: configuring %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: creating schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// BeginSession records the start of a serving run and returns its id.
func (r *Registry) BeginSession(model string, parties, budget int) (int64, error) {
	res, err := r.db.Exec(
		"INSERT INTO sessions (model, parties, budget, started_at) VALUES (?, ?, ?, ?)",
		model, parties, budget, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("registry: beginning session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("registry: beginning session: %w", err)
	}
	return id, nil
}

// EndSession marks a session as finished.
func (r *Registry) EndSession(id int64) error {
	res, err := r.db.Exec("UPDATE sessions SET ended_at = ? WHERE id = ?", time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("registry: ending session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: ending session %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordRequest persists one request outcome. A nil reqErr records a success.
func (r *Registry) RecordRequest(sessionID int64, requestID string, reqErr error, latency time.Duration) error {
	outcome, errText := "ok", ""
	if reqErr != nil {
		outcome, errText = "failed", reqErr.Error()
	}
	_, err := r.db.Exec(
		"INSERT INTO requests (id, session_id, outcome, error, latency_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		requestID, sessionID, outcome, errText, latency.Milliseconds(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("registry: recording request %s: %w", requestID, err)
	}
	return nil
}

// Session looks up one session.
func (r *Registry) Session(id int64) (Session, error) {
	row := r.db.QueryRow(
		"SELECT id, model, parties, budget, started_at, ended_at FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return s, err
}

// Sessions lists sessions, newest first. limit <= 0 lists all.
func (r *Registry) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(
		"SELECT id, model, parties, budget, started_at, ended_at FROM sessions ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("registry: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Requests lists a session's requests, newest first. limit <= 0 lists all.
func (r *Registry) Requests(sessionID int64, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(
		`SELECT id, session_id, outcome, error, latency_ms, created_at
		 FROM requests WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: listing requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			req       Request
			latencyMS int64
			createdMS int64
		)
		if err := rows.Scan(&req.ID, &req.SessionID, &req.Outcome, &req.Error, &latencyMS, &createdMS); err != nil {
			return nil, fmt.Errorf("registry: scanning request: %w", err)
		}
		req.Latency = time.Duration(latencyMS) * time.Millisecond
		req.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, req)
	}
	return out, rows.Err()
}

// RequestCounts returns a session's success and failure totals.
func (r *Registry) RequestCounts(sessionID int64) (succeeded, failed int64, err error) {
	row := r.db.QueryRow(
		`SELECT
			COUNT(CASE WHEN outcome = 'ok' THEN 1 END),
			COUNT(CASE WHEN outcome = 'failed' THEN 1 END)
		 FROM requests WHERE session_id = ?`, sessionID)
	if err := row.Scan(&succeeded, &failed); err != nil {
		return 0, 0, fmt.Errorf("registry: counting requests: %w", err)
	}
	return succeeded, failed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s         Session
		startedMS int64
		endedMS   sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Model, &s.Parties, &s.Budget, &startedMS, &endedMS); err != nil {
		return Session{}, err
	}
	s.StartedAt = time.UnixMilli(startedMS)
	if endedMS.Valid {
		s.EndedAt = time.UnixMilli(endedMS.Int64)
		s.Ended = true
	}
	return s, nil
}
