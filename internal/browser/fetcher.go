package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/maltedev/storefront-scraper/internal/artifacts"
	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/maltedev/storefront-scraper/internal/session"
	"github.com/playwright-community/playwright-go"
)

// Fetcher renders pages in fresh browser contexts. Each request gets its own
// context so identities and proxies never leak between requests.
type Fetcher struct {
	browser   *Browser
	sessions  session.Store
	artifacts *artifacts.Store
	logger    *slog.Logger
}

// NewFetcher wires a fetcher. sessions and store may be nil.
func NewFetcher(b *Browser, sessions session.Store, store *artifacts.Store, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		browser:   b,
		sessions:  sessions,
		artifacts: store,
		logger:    logger.With("component", "page_fetcher"),
	}
}

var _ fetch.Fetcher = (*Fetcher)(nil)

func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
	start := time.Now()
	logger := f.logger.With("url", req.URL, "headed", req.Headed)

	b := f.browser
	if req.Headed && f.browser.opts.Headless {
		headed, err := f.browser.Headed()
		if err != nil {
			return nil, err
		}
		defer headed.Close()
		b = headed
	}

	statePath, cleanup := f.sessionFile(ctx, req.Site)
	defer cleanup()

	bctx, err := b.NewContext(req.Identity, statePath)
	if err != nil {
		return nil, err
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	defer page.Close()

	result := &fetch.Result{URL: req.URL}
	stepErr := runSteps(ctx, page, f.steps(req, &result.Status), logger)

	if stepErr != nil && !errors.Is(stepErr, errNoSignal) {
		if req.Headed && req.PersistSession {
			f.persistSession(ctx, bctx, req.Site)
		}
		return nil, stepErr
	}
	if errors.Is(stepErr, errNoSignal) {
		result.Failed = true
		result.FailReason = fmt.Sprintf("none of %d markers appeared within %s", len(req.WaitFor), req.WaitTimeout)
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	result.HTML = html
	result.FinalURL = page.URL()
	result.Elapsed = time.Since(start)

	if req.CaptureDebug || result.Failed {
		result.Diagnostics = f.capture(page, req, html)
	}

	if req.PersistSession && (req.Headed || !result.Failed) {
		f.persistSession(ctx, bctx, req.Site)
	}

	logger.Info("page fetched",
		"status", result.Status,
		"failed", result.Failed,
		"bytes", len(html),
		"elapsed", result.Elapsed)

	return result, nil
}

func (f *Fetcher) steps(req fetch.Request, status *int) []Step {
	steps := []Step{
		navigateStep(req.URL, f.browser.opts.Timeout, status),
		waitForAnyStep(req.WaitFor, req.WaitTimeout),
	}
	if f.browser.opts.Humanize && !req.Headed {
		steps = append(steps, humanizeStep())
	}
	if req.Scroll {
		steps = append(steps, scrollStep())
	}
	if req.Settle > 0 {
		steps = append(steps, settleStep(req.Settle))
	}
	return steps
}

// sessionFile materializes stored state into a temp file the browser can load.
func (f *Fetcher) sessionFile(ctx context.Context, site string) (string, func()) {
	noop := func() {}
	if f.sessions == nil || site == "" {
		return "", noop
	}

	st, err := f.sessions.Load(ctx, site)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			f.logger.Warn("failed to load session state", "site", site, "error", err)
		}
		return "", noop
	}

	tmp, err := os.CreateTemp("", "storage-state-*.json")
	if err != nil {
		f.logger.Warn("failed to stage session state", "error", err)
		return "", noop
	}
	defer tmp.Close()

	if _, err := tmp.Write(st.Data); err != nil {
		os.Remove(tmp.Name())
		f.logger.Warn("failed to stage session state", "error", err)
		return "", noop
	}

	f.logger.Debug("reusing session state", "site", site, "saved_at", st.SavedAt)
	return tmp.Name(), func() { os.Remove(tmp.Name()) }
}

func (f *Fetcher) persistSession(ctx context.Context, bctx playwright.BrowserContext, site string) {
	if f.sessions == nil || site == "" {
		return
	}

	state, err := bctx.StorageState()
	if err != nil {
		f.logger.Warn("failed to export session state", "site", site, "error", err)
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		f.logger.Warn("failed to encode session state", "site", site, "error", err)
		return
	}

	if err := f.sessions.Save(ctx, &session.State{Site: site, Data: data, SavedAt: time.Now()}); err != nil {
		f.logger.Warn("failed to save session state", "site", site, "error", err)
		return
	}
	f.logger.Info("session state saved", "site", site, "bytes", len(data))
}

func (f *Fetcher) capture(page playwright.Page, req fetch.Request, html string) *fetch.Diagnostics {
	if f.artifacts == nil {
		return nil
	}

	prefix := req.DebugPrefix
	if prefix == "" {
		prefix = f.artifacts.Prefix("debug", "page")
	}

	diag := &fetch.Diagnostics{}
	if path, err := f.artifacts.SaveHTML(prefix, html); err != nil {
		f.logger.Warn("failed to save debug html", "error", err)
	} else {
		diag.HTMLPath = path
	}

	shot := f.artifacts.ScreenshotPath(prefix)
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(shot),
		FullPage: playwright.Bool(true),
	}); err != nil {
		f.logger.Warn("failed to save debug screenshot", "error", err)
	} else {
		diag.ScreenshotPath = shot
	}

	return diag
}
