package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/storefront-scraper/internal/extract"
	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/maltedev/storefront-scraper/internal/gate"
	"github.com/maltedev/storefront-scraper/internal/identity"
	"github.com/maltedev/storefront-scraper/internal/models"
)

// savedAtSlack absorbs coarse file modification clocks when deciding whether
// a stored session was written by the current assist session.
const savedAtSlack = time.Second

type AssistRequest struct {
	SearchTerm  string
	NumProducts int
	Proxy       string
}

// Assist opens a visible browser on the search page and waits for a person
// to clear any challenge. Whatever listing is visible when the wait ends is
// extracted. The session is saved either way so later crawls can reuse it.
func (s *Service) Assist(ctx context.Context, req AssistRequest) (*CrawlResponse, error) {
	if s.deps.Fetcher == nil || s.deps.Chain == nil || s.deps.Gate == nil || s.deps.Paginator == nil {
		return nil, fmt.Errorf("interactive assist is not configured")
	}
	req.SearchTerm = strings.TrimSpace(req.SearchTerm)
	if req.SearchTerm == "" {
		return nil, invalid("search_term is required")
	}
	req.NumProducts = ClampNumProducts(req.NumProducts)

	id, err := s.assistIdentity(req.Proxy)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "search_term", req.SearchTerm, "flow", "assist")
	logger.Info("waiting for interactive session", "timeout", s.opts.AssistTimeout)

	ctx, cancel := context.WithTimeout(ctx, s.opts.AssistTimeout+s.opts.AssistTimeout/2)
	defer cancel()
	started := time.Now()

	res, err := s.deps.Fetcher.Fetch(ctx, fetch.Request{
		URL:            s.deps.Paginator.SearchURL(req.SearchTerm, 1),
		Identity:       id,
		Site:           s.opts.Site,
		WaitFor:        s.opts.WaitFor,
		WaitTimeout:    s.opts.AssistTimeout,
		Headed:         true,
		PersistSession: true,
	})
	if err != nil {
		if errors.Is(err, fetch.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimedOut
		}
		return nil, failed(err)
	}

	records := s.acceptVisible(ctx, res.HTML, req.NumProducts, logger)
	if res.Failed && len(records) == 0 {
		logger.Warn("interactive session ended without products", "reason", res.FailReason)
		return nil, ErrTimedOut
	}
	for i := range records {
		records[i].SearchTerm = req.SearchTerm
	}

	resp := &CrawlResponse{
		Count:           len(records),
		Products:        records,
		RunID:           runID,
		RequestedCount:  req.NumProducts,
		CaptchaDetected: s.deps.Detector.IsBlocked(res.HTML),
		StorageState:    s.storageState(ctx, started),
	}
	if short := req.NumProducts - len(records); short > 0 {
		resp.Shortfall = short
	}
	if res.Diagnostics != nil {
		resp.DebugHTML = res.Diagnostics.HTMLPath
		resp.DebugScreenshot = res.Diagnostics.ScreenshotPath
	}

	resp.Saved = s.persist(ctx, records, req.SearchTerm, logger)
	s.announce(ctx, resp, req.SearchTerm, logger)

	logger.Info("interactive session completed", "count", resp.Count, "storage_state", resp.StorageState)
	return resp, nil
}

func (s *Service) acceptVisible(ctx context.Context, html string, limit int, logger *slog.Logger) []models.ProductRecord {
	records := []models.ProductRecord{}
	if html == "" {
		return records
	}
	candidates, err := s.deps.Chain.Extract(ctx, html, extract.Constraints{})
	if err != nil {
		logger.Warn("extraction failed", "error", err)
	}

	seen := gate.NewSeenLinks()
	for _, c := range candidates {
		if len(records) >= limit {
			break
		}
		rec, err := s.deps.Gate.Accept(c, seen, models.PriceBand{})
		if err != nil {
			logger.Debug("candidate rejected", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (s *Service) assistIdentity(rawProxy string) (fetch.Identity, error) {
	var id fetch.Identity
	if s.deps.Identity != nil {
		id = s.deps.Identity.Next()
	}
	switch {
	case strings.TrimSpace(rawProxy) != "":
		p, err := identity.ParseProxy(rawProxy)
		if err != nil {
			return fetch.Identity{}, invalid("proxy: %v", err)
		}
		id.Proxy = p
	case s.opts.AssistProxy != nil:
		p := *s.opts.AssistProxy
		id.Proxy = &p
	}
	return id, nil
}

// storageState names where the session was saved, or "" when this session
// saved nothing. A state left by an earlier run does not count.
func (s *Service) storageState(ctx context.Context, since time.Time) string {
	if s.deps.Sessions == nil {
		return ""
	}
	st, err := s.deps.Sessions.Load(ctx, s.opts.Site)
	if err != nil || st.SavedAt.Before(since.Add(-savedAtSlack)) {
		return ""
	}
	if fs, ok := s.deps.Sessions.(interface{ Path(site string) string }); ok {
		return fs.Path(s.opts.Site)
	}
	return s.opts.Site
}
