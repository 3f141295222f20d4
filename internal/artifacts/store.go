// Package artifacts stores debug captures (page HTML and screenshots) and
// serves them back by file name.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Store writes artifacts into a single directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// Prefix builds a unique base name such as "debug_leather_wallet_1700000000".
func (s *Store) Prefix(kind, term string) string {
	slug := strings.Trim(unsafeNameChars.ReplaceAllString(strings.ToLower(term), "_"), "_")
	if slug == "" {
		slug = "page"
	}
	return fmt.Sprintf("%s_%s_%d", kind, slug, s.now().UnixNano())
}

// SaveHTML writes prefix.html and returns its path.
func (s *Store) SaveHTML(prefix, html string) (string, error) {
	path := filepath.Join(s.dir, prefix+".html")
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("failed to write html artifact: %w", err)
	}
	return path, nil
}

// ScreenshotPath returns where the screenshot for prefix belongs.
func (s *Store) ScreenshotPath(prefix string) string {
	return filepath.Join(s.dir, prefix+".png")
}

// Resolve maps a requested file name to a path inside the store. Only the base
// name is honored so callers cannot escape the directory.
func (s *Store) Resolve(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return "", ErrNotFound
	}
	path := filepath.Join(s.dir, base)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}
