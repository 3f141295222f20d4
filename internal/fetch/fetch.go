// Package fetch defines the contract between the crawl orchestrator and the
// component that turns a URL into rendered HTML.
package fetch

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a fetch exceeds its time bound.
var ErrTimeout = errors.New("fetch timed out")

// Proxy is an outbound proxy for one browser context.
type Proxy struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Identity is the user agent and proxy presented for one request.
type Identity struct {
	UserAgent string
	Proxy     *Proxy
}

// Request describes one page fetch.
type Request struct {
	URL      string
	Identity Identity

	// Site keys the persisted session state (cookies and storage).
	Site string

	// WaitFor lists selectors; the fetch waits until any one is attached.
	WaitFor     []string
	WaitTimeout time.Duration
	Settle      time.Duration
	Scroll      bool

	// Headed runs the fetch in a visible browser for a human to solve a challenge.
	Headed         bool
	PersistSession bool
	CaptureDebug   bool
	DebugPrefix    string
}

// Diagnostics are artifacts saved for a fetch.
type Diagnostics struct {
	HTMLPath       string `json:"html_path,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// Result is the outcome of a fetch that completed navigation.
type Result struct {
	URL         string
	FinalURL    string
	HTML        string
	Status      int
	Failed      bool
	FailReason  string
	Diagnostics *Diagnostics
	Elapsed     time.Duration
}

// Fetcher turns a request into rendered HTML. A well-formed page without the
// expected markers is reported with Failed set, not as an error.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*Result, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
