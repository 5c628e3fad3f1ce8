package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"orionboard/internal/domain"
)

// SQLiteStore keeps the document as a single row in an embedded SQLite
// database. The fleet-wide critical section is an immediate transaction:
// SQLite's own file locking serializes writers across processes, which
// substitutes for flock on filesystems without advisory locks.
type SQLiteStore struct {
	db   *sql.DB
	conn *sql.Conn // held between Lock and unlock
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS board_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		doc TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create board_state: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Lock(ctx context.Context) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	// BEGIN IMMEDIATE takes the database write lock up front, so the whole
	// load-mutate-commit cycle is exclusive across processes.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire board lock: %w", err)
	}
	s.conn = conn
	return func() {
		_, _ = conn.ExecContext(context.Background(), "COMMIT")
		conn.Close()
		s.conn = nil
	}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*domain.StateSnapshot, error) {
	var doc string
	var err error
	if s.conn != nil {
		err = s.conn.QueryRowContext(ctx, `SELECT doc FROM board_state WHERE id = 1`).Scan(&doc)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT doc FROM board_state WHERE id = 1`).Scan(&doc)
	}
	if err == sql.ErrNoRows {
		return domain.NewStateSnapshot(), nil
	}
	if err != nil {
		return nil, err
	}
	snap := domain.NewStateSnapshot()
	if err := json.Unmarshal([]byte(doc), snap); err != nil {
		return domain.NewStateSnapshot(), nil
	}
	snap.Normalize()
	return snap, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, snap *domain.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal board document: %w", err)
	}
	const q = `INSERT INTO board_state (id, doc) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`
	if s.conn != nil {
		_, err = s.conn.ExecContext(ctx, q, string(data))
	} else {
		_, err = s.db.ExecContext(ctx, q, string(data))
	}
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
