// Package store persists read-only task and agent snapshots to sqlite. It
// backs the offline save/load hooks: live goroutine state is not restored,
// but the recorded snapshots survive restarts for inspection and future
// resumption work.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/motern88/allen/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_snapshots (
	task_id    TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_snapshots (
	agent_id   TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveTask upserts one task snapshot.
func (s *Store) SaveTask(snap core.TaskSnapshot) error {
	return s.save("task_snapshots", "task_id", snap.ID, snap)
}

// SaveAgent upserts one agent snapshot.
func (s *Store) SaveAgent(snap core.AgentSnapshot) error {
	return s.save("agent_snapshots", "agent_id", snap.ID, snap)
}

func (s *Store) save(table, idColumn, id string, snap any) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", id, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(%s) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		table, idColumn, idColumn)
	if _, err := s.db.Exec(query, id, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("store: save %s: %w", id, err)
	}
	return nil
}

// LoadTasks returns every recorded task snapshot.
func (s *Store) LoadTasks() ([]core.TaskSnapshot, error) {
	rows, err := s.db.Query(`SELECT snapshot FROM task_snapshots ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("store: load tasks: %w", err)
	}
	defer rows.Close()

	var out []core.TaskSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap core.TaskSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("store: decode task snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LoadAgents returns every recorded agent snapshot.
func (s *Store) LoadAgents() ([]core.AgentSnapshot, error) {
	rows, err := s.db.Query(`SELECT snapshot FROM agent_snapshots ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("store: load agents: %w", err)
	}
	defer rows.Close()

	var out []core.AgentSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap core.AgentSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("store: decode agent snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
