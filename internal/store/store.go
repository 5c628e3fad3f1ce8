// Package store persists the board document and provides the fleet-wide
// exclusive section every read-modify-write cycle runs inside.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"orionboard/internal/config"
	"orionboard/internal/domain"
)

const (
	workspaceDir = ".orionboard"
	fileName     = "board.json"
	lockName     = "board.lock"
	sqliteName   = "board.db"
)

// Store holds the authoritative StateSnapshot. Lock acquires the
// cross-process critical section; Load and Commit are only safe between
// Lock and its returned unlock. Load never fails on missing or corrupt
// data; it falls back to a fresh default document.
type Store interface {
	Lock(ctx context.Context) (unlock func(), err error)
	Load(ctx context.Context) (*domain.StateSnapshot, error)
	Commit(ctx context.Context, snap *domain.StateSnapshot) error
	Close() error
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open builds the backend selected in cfg, rooted at the workspace.
func Open(cfg *config.Config, workspace string) (Store, error) {
	dir, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	switch cfg.Store.Backend {
	case "file":
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(dir, fileName)
		}
		return OpenFile(path, filepath.Join(dir, lockName))
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(dir, sqliteName)
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
