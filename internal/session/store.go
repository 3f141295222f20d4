// Package session persists browser storage state (cookies and origin storage)
// per target site so that a solved challenge carries over to later crawls.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// ErrNotFound is returned when no state exists for a site.
var ErrNotFound = errors.New("session state not found")

// State is the opaque storage-state blob exported by the browser.
type State struct {
	Site    string          `json:"site"`
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store loads and saves session state. Writes for one site replace the
// previous value; the last writer wins.
type Store interface {
	Load(ctx context.Context, site string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, site string) error
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Key turns a site identifier into a filesystem and redis safe key.
func Key(site string) string {
	k := unsafeKeyChars.ReplaceAllString(site, "_")
	if k == "" {
		return "default"
	}
	return k
}
