package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"orionboard/internal/domain"
)

// FileStore keeps the document in one JSON file. Writes go to a temp file
// in the same directory followed by a rename, so a reader never observes a
// half-written document. The fleet-wide critical section is an advisory
// lock on a dedicated lock file next to it.
type FileStore struct {
	path string
	fl   *flock.Flock
}

// OpenFile returns a FileStore for path, guarded by lockPath.
func OpenFile(path, lockPath string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path, fl: flock.New(lockPath)}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Lock(ctx context.Context) (func(), error) {
	ok, err := s.fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire board lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire board lock: not acquired")
	}
	return func() { _ = s.fl.Unlock() }, nil
}

func (s *FileStore) Load(_ context.Context) (*domain.StateSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewStateSnapshot(), nil
		}
		return nil, err
	}
	snap := domain.NewStateSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		// Corrupt document: start fresh rather than take the whole
		// coordination plane down. Coordination state is rebuildable.
		return domain.NewStateSnapshot(), nil
	}
	snap.Normalize()
	return snap, nil
}

func (s *FileStore) Commit(_ context.Context, snap *domain.StateSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal board document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".board-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.fl.Close()
}
