// Package crawler drives the attempt and pagination loop of a crawl run.
//
// A run makes up to MaxAttempts attempts. Each attempt starts again at the
// first listing page with a larger page budget and ends when the target is
// reached, the budget is spent, a page yields no candidates or a listing fetch
// fails. Links accepted in earlier attempts stay in the run's seen set, so
// repeated pages only contribute new products.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/storefront-scraper/internal/antibot"
	"github.com/maltedev/storefront-scraper/internal/artifacts"
	"github.com/maltedev/storefront-scraper/internal/extract"
	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/maltedev/storefront-scraper/internal/gate"
	"github.com/maltedev/storefront-scraper/internal/models"
)

var (
	// ErrNoPagesFetched is fatal: no listing page was ever fetched successfully.
	ErrNoPagesFetched = errors.New("no listing pages fetched")

	// ErrBlockedPage marks a run that saw a challenge page. It is advisory and
	// returned only by RunResult.Blocked.
	ErrBlockedPage = errors.New("blocked page detected")

	errAttemptAborted = errors.New("attempt aborted")
)

// Options tune the run loop.
type Options struct {
	InitialPageBudget int
	PageBudgetStep    int
	MaxAttempts       int
	MaxItemsPerPage   int

	Site           string
	ListingTimeout time.Duration
	Settle         time.Duration
	WaitFor        []string
	PersistSession bool
}

func DefaultOptions() Options {
	return Options{
		InitialPageBudget: 8,
		PageBudgetStep:    4,
		MaxAttempts:       3,
		Site:              "default",
		ListingTimeout:    30 * time.Second,
		Settle:            2 * time.Second,
		WaitFor: []string{
			"script#__NEXT_DATA__",
			"div[data-item-id]",
			"div#main-content",
		},
		PersistSession: true,
	}
}

// IdentitySource hands out the network identity for each fetch.
type IdentitySource interface {
	Next() fetch.Identity
}

// Pacer spaces listing fetches and adapts to blocked pages.
type Pacer interface {
	Wait(ctx context.Context) error
	RecordBlocked()
	RecordSuccess()
}

// RunRequest is one crawl.
type RunRequest struct {
	RunID       string
	SearchTerm  string
	Band        models.PriceBand
	TargetCount int
	MaxAttempts int
	Debug       bool

	// OnAccept is called for every accepted record in acceptance order. An
	// error stops the run.
	OnAccept func(models.ProductRecord) error
}

// RunResult is what a run produced.
type RunResult struct {
	RunID           string                 `json:"run_id"`
	SearchTerm      string                 `json:"search_term"`
	Requested       int                    `json:"requested_count"`
	Records         []models.ProductRecord `json:"products"`
	Shortfall       int                    `json:"shortfall,omitempty"`
	PagesFetched    int                    `json:"pages_fetched"`
	Attempts        []models.CrawlAttempt  `json:"attempts"`
	CaptchaDetected bool                   `json:"captcha_detected,omitempty"`
	BlockedSignal   string                 `json:"blocked_signal,omitempty"`
	DebugHTML       string                 `json:"debug_html,omitempty"`
	DebugScreenshot string                 `json:"debug_screenshot,omitempty"`
}

// Blocked returns ErrBlockedPage when a challenge page was seen during the run.
func (r *RunResult) Blocked() error {
	if r.CaptchaDetected {
		return fmt.Errorf("%w: %s", ErrBlockedPage, r.BlockedSignal)
	}
	return nil
}

type Crawler struct {
	fetcher   fetch.Fetcher
	chain     *extract.Chain
	gate      *gate.Gate
	detector  *antibot.Detector
	ids       IdentitySource
	pacer     Pacer
	paginator *Paginator
	artifacts *artifacts.Store
	opts      Options
	logger    *slog.Logger
}

// Deps are the collaborators of a Crawler. Pacer and Artifacts are optional.
type Deps struct {
	Fetcher   fetch.Fetcher
	Chain     *extract.Chain
	Gate      *gate.Gate
	Detector  *antibot.Detector
	Identity  IdentitySource
	Pacer     Pacer
	Paginator *Paginator
	Artifacts *artifacts.Store
}

func New(deps Deps, opts Options, logger *slog.Logger) *Crawler {
	defaults := DefaultOptions()
	if opts.InitialPageBudget <= 0 {
		opts.InitialPageBudget = defaults.InitialPageBudget
	}
	if opts.PageBudgetStep < 0 {
		opts.PageBudgetStep = 0
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.ListingTimeout <= 0 {
		opts.ListingTimeout = defaults.ListingTimeout
	}
	if opts.Site == "" {
		opts.Site = defaults.Site
	}
	if deps.Detector == nil {
		deps.Detector = antibot.NewDetector()
	}
	return &Crawler{
		fetcher:   deps.Fetcher,
		chain:     deps.Chain,
		gate:      deps.Gate,
		detector:  deps.Detector,
		ids:       deps.Identity,
		pacer:     deps.Pacer,
		paginator: deps.Paginator,
		artifacts: deps.Artifacts,
		opts:      opts,
		logger:    logger.With("component", "crawler"),
	}
}

// PageBudget returns the page budget of a 1-based attempt.
func (c *Crawler) PageBudget(attempt int) int {
	return c.opts.InitialPageBudget + (attempt-1)*c.opts.PageBudgetStep
}

// Run crawls until the target is reached or the attempts are spent. Records
// come back in first-accepted order and are unique by canonical link. A
// shortfall is not an error; zero successful listing fetches is, unless a
// challenge page was seen, which is reported through CaptchaDetected.
func (c *Crawler) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.SearchTerm == "" {
		return nil, fmt.Errorf("search term is required")
	}
	if req.TargetCount <= 0 {
		return nil, fmt.Errorf("target count must be positive, got %d", req.TargetCount)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.opts.MaxAttempts
	}

	state := newState(req.RunID, req.SearchTerm, req.TargetCount)
	logger := c.logger.With("run_id", req.RunID, "search_term", req.SearchTerm, "target", req.TargetCount)
	logger.Info("crawl started", "max_attempts", maxAttempts)
	start := time.Now()

	for n := 1; n <= maxAttempts && !state.Satisfied(); n++ {
		attempt := models.CrawlAttempt{
			AttemptNumber:  n,
			PageBudget:     c.PageBudget(n),
			TargetCount:    req.TargetCount,
			CollectedSoFar: state.Collected(),
		}

		err := c.runAttempt(ctx, state, &attempt, req, logger.With("attempt", n))
		attempt.CollectedSoFar = state.Collected()
		state.Attempts = append(state.Attempts, attempt)

		switch {
		case err == nil:
		case errors.Is(err, errAttemptAborted):
			logger.Warn("attempt aborted", "attempt", n, "error", err)
		default:
			return state.result(), err
		}
	}

	if state.PagesFetched == 0 && !state.Verdict.Blocked {
		return state.result(), ErrNoPagesFetched
	}

	result := state.result()
	logger.Info("crawl finished",
		"collected", state.Collected(),
		"shortfall", result.Shortfall,
		"pages", state.PagesFetched,
		"attempts", len(state.Attempts),
		"captcha_detected", result.CaptchaDetected,
		"duration", time.Since(start))
	return result, nil
}

func (c *Crawler) runAttempt(ctx context.Context, state *CrawlState, attempt *models.CrawlAttempt, req RunRequest, logger *slog.Logger) error {
	pageURL := c.paginator.SearchURL(req.SearchTerm, 1)

	for page := 1; page <= attempt.PageBudget; page++ {
		if c.pacer != nil && (page > 1 || attempt.AttemptNumber > 1) {
			if err := c.pacer.Wait(ctx); err != nil {
				return fmt.Errorf("crawl interrupted: %w", err)
			}
		}

		res, err := c.fetchListing(ctx, state, req, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("crawl interrupted: %w", ctx.Err())
			}
			return fmt.Errorf("%w: page %d: %w", errAttemptAborted, page, err)
		}

		verdict := c.detector.Inspect(res.HTML)
		if verdict.Blocked {
			state.markBlocked(verdict)
			logger.Warn("blocked page detected", "page", page, "signal", verdict.Signal)
			if c.pacer != nil {
				c.pacer.RecordBlocked()
			}
		} else if c.pacer != nil {
			c.pacer.RecordSuccess()
		}

		// A challenge page rarely carries the listing markers. It is still
		// run through extraction so whatever is visible reaches the caller
		// together with the captcha flag.
		if res.Failed && !verdict.Blocked {
			return fmt.Errorf("%w: page %d: %w: %s", errAttemptAborted, page, fetch.ErrTimeout, res.FailReason)
		}
		if !res.Failed {
			state.PagesFetched++
			attempt.PagesFetched++
		}

		candidates, err := c.chain.Extract(ctx, res.HTML, extract.Constraints{Skip: state.Seen.Contains})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("crawl interrupted: %w", ctx.Err())
			}
			logger.Warn("extraction failed", "page", page, "error", err)
		}
		if len(candidates) == 0 {
			logger.Info("no candidates on page, ending attempt", "page", page)
			c.dumpEmptyPage(state, req.SearchTerm, res.HTML, logger)
			return nil
		}

		accepted, err := c.admit(state, candidates, req, logger.With("page", page))
		if err != nil {
			return err
		}
		logger.Info("page processed",
			"page", page,
			"candidates", len(candidates),
			"accepted", accepted,
			"collected", state.Collected())

		if state.Satisfied() {
			return nil
		}
		pageURL = c.paginator.Next(res.HTML, req.SearchTerm, page+1)
	}

	logger.Info("page budget spent", "budget", attempt.PageBudget, "collected", state.Collected())
	return nil
}

func (c *Crawler) fetchListing(ctx context.Context, state *CrawlState, req RunRequest, pageURL string) (*fetch.Result, error) {
	freq := fetch.Request{
		URL:            pageURL,
		Site:           c.opts.Site,
		WaitFor:        c.opts.WaitFor,
		WaitTimeout:    c.opts.ListingTimeout,
		Settle:         c.opts.Settle,
		Scroll:         true,
		PersistSession: c.opts.PersistSession,
	}
	if c.ids != nil {
		freq.Identity = c.ids.Next()
	}
	if req.Debug && state.DebugHTML == "" {
		freq.CaptureDebug = true
		if c.artifacts != nil {
			freq.DebugPrefix = c.artifacts.Prefix("debug", req.SearchTerm)
		}
	}

	fctx, cancel := context.WithTimeout(ctx, 2*c.opts.ListingTimeout+c.opts.Settle)
	defer cancel()

	res, err := c.fetcher.Fetch(fctx, freq)
	if err != nil {
		if errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %w", fetch.ErrTimeout, err)
		}
		return nil, err
	}
	if res.Diagnostics != nil && state.DebugHTML == "" {
		state.DebugHTML = res.Diagnostics.HTMLPath
		state.DebugScreenshot = res.Diagnostics.ScreenshotPath
	}
	return res, nil
}

// admit runs the page's candidates through the gate in document order.
func (c *Crawler) admit(state *CrawlState, candidates []models.ProductCandidate, req RunRequest, logger *slog.Logger) (int, error) {
	accepted := 0
	for i, cand := range candidates {
		if c.opts.MaxItemsPerPage > 0 && i >= c.opts.MaxItemsPerPage {
			logger.Debug("per-page item cap reached", "cap", c.opts.MaxItemsPerPage)
			break
		}

		rec, err := c.gate.Accept(cand, state.Seen, req.Band)
		if err != nil {
			logger.Debug("candidate rejected", "error", err)
			continue
		}
		rec.SearchTerm = req.SearchTerm

		if req.OnAccept != nil {
			if err := req.OnAccept(rec); err != nil {
				return accepted, fmt.Errorf("failed to emit record: %w", err)
			}
		}
		state.Records = append(state.Records, rec)
		accepted++

		if state.Satisfied() {
			break
		}
	}
	return accepted, nil
}

func (c *Crawler) dumpEmptyPage(state *CrawlState, term, html string, logger *slog.Logger) {
	if c.artifacts == nil || html == "" {
		return
	}
	path, err := c.artifacts.SaveHTML(c.artifacts.Prefix("empty", term), html)
	if err != nil {
		logger.Warn("failed to save empty page", "error", err)
		return
	}
	if state.DebugHTML == "" {
		state.DebugHTML = path
	}
	logger.Info("saved empty page", "path", path)
}
