package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	service    TEXT PRIMARY KEY,
	position   TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore keeps checkpoints in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ReadPosition(ctx context.Context, service string) (string, bool, error) {
	var pos string
	err := s.db.QueryRowContext(ctx, `SELECT position FROM checkpoints WHERE service = ?`, service).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read checkpoint %s: %w", service, err)
	}
	return pos, true, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (service, position, updated_at) VALUES (?, ?, ?)
ON CONFLICT(service) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		cp.Service, cp.Position, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.Service, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
