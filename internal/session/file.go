package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one JSON file per site in a directory. The file content is
// the raw browser storage state so it can be handed to a browser as-is.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing a site.
func (s *FileStore) Path(site string) string {
	return filepath.Join(s.dir, Key(site)+".json")
}

func (s *FileStore) Load(_ context.Context, site string) (*State, error) {
	path := s.Path(site)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("session state for %s is not valid JSON", site)
	}

	info, err := os.Stat(path)
	savedAt := time.Time{}
	if err == nil {
		savedAt = info.ModTime()
	}
	return &State{Site: site, Data: data, SavedAt: savedAt}, nil
}

func (s *FileStore) Save(_ context.Context, state *State) error {
	if state == nil || len(state.Data) == 0 {
		return fmt.Errorf("empty session state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(state.Site)
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, state.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to replace session state: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, site string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(site)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session state: %w", err)
	}
	return nil
}
