// Package statestore persists the small amount of client state that must
// survive a restart: the employee's issued session id, and the admin's list
// of attached sessions with their last known stream state.
package statestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/vigilhq/vigil/internal/proto"
)

// Store wraps a per-endpoint SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the state database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	// WAL for concurrent readers; busy timeout so a slow checkpoint never
	// turns into a spurious SQLITE_BUSY.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure state db: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS attached_sessions (
		session_id    TEXT PRIMARY KEY,
		employee_id   TEXT NOT NULL DEFAULT '',
		employee_name TEXT NOT NULL DEFAULT '',
		avatar_url    TEXT NOT NULL DEFAULT '',
		stream_active INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionID returns the persisted own-session id, or "" if none was issued
// yet.
func (s *Store) SessionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'session_id'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetSessionID persists the session id issued by the relay.
func (s *Store) SetSessionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('session_id', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, id)
	return err
}

// SaveAttached replaces the attached-session list.
func (s *Store) SaveAttached(list []proto.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM attached_sessions`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO attached_sessions
		(session_id, employee_id, employee_name, avatar_url, stream_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, info := range list {
		active := 0
		if info.StreamActive {
			active = 1
		}
		if _, err := stmt.Exec(info.SessionID, info.EmployeeID, info.EmployeeName,
			info.AvatarURL, active, proto.NowMillis()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadAttached returns the persisted attached sessions, ordered by employee
// name.
func (s *Store) LoadAttached() ([]proto.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT session_id, employee_id, employee_name, avatar_url, stream_active
		FROM attached_sessions ORDER BY employee_name, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proto.SessionInfo
	for rows.Next() {
		var info proto.SessionInfo
		var active int
		if err := rows.Scan(&info.SessionID, &info.EmployeeID, &info.EmployeeName,
			&info.AvatarURL, &active); err != nil {
			return nil, err
		}
		info.StreamActive = active != 0
		out = append(out, info)
	}
	return out, rows.Err()
}
