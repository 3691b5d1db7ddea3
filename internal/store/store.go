// Package store provides the SQLite-backed session index used by the list
// and continue commands. Transcript content lives in the rollout files; the
// index only maps session ids to their rollout path and preview.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id        TEXT PRIMARY KEY,
	path      TEXT NOT NULL,
	created   INTEGER NOT NULL,
	preview   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created);
`

// Session is one indexed session.
type Session struct {
	ID        string
	Path      string
	Timestamp time.Time
	Preview   string
}

// Index is the session index database.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the index at the given path.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database. Safe on a nil receiver.
func (x *Index) Close() error {
	if x == nil {
		return nil
	}
	return x.db.Close()
}

// Create registers a new session. No-op on nil receiver.
func (x *Index) Create(id, path string) error {
	if x == nil {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	_, err := x.db.Exec(
		"INSERT OR REPLACE INTO sessions (id, path, created) VALUES (?, ?, ?)",
		id, path, time.Now().Unix(),
	)
	return err
}

// SetPreview stores the first user prompt as the list preview.
func (x *Index) SetPreview(id, preview string) {
	if x == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	preview = strings.ReplaceAll(preview, "\n", " ")
	if len(preview) > 200 {
		preview = preview[:200]
	}
	if _, err := x.db.Exec("UPDATE sessions SET preview = ? WHERE id = ?", preview, id); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("failed to store session preview")
	}
}

// Lookup returns the rollout path for a session id.
func (x *Index) Lookup(id string) (string, bool) {
	if x == nil {
		return "", false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	var path string
	if err := x.db.QueryRow("SELECT path FROM sessions WHERE id = ?", id).Scan(&path); err != nil {
		return "", false
	}
	return path, true
}

// Latest returns the most recently created session.
func (x *Index) Latest() (Session, bool) {
	if x == nil {
		return Session{}, false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.scanOne("SELECT id, path, created, preview FROM sessions ORDER BY created DESC LIMIT 1")
}

func (x *Index) scanOne(query string) (Session, bool) {
	var s Session
	var created int64
	if err := x.db.QueryRow(query).Scan(&s.ID, &s.Path, &created, &s.Preview); err != nil {
		return Session{}, false
	}
	s.Timestamp = time.Unix(created, 0)
	return s, true
}

// List returns sessions newest first.
func (x *Index) List() ([]Session, error) {
	if x == nil {
		return nil, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	rows, err := x.db.Query("SELECT id, path, created, preview FROM sessions ORDER BY created DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		var created int64
		if err := rows.Scan(&s.ID, &s.Path, &created, &s.Preview); err != nil {
			continue
		}
		s.Timestamp = time.Unix(created, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}
