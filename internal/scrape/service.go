// Package scrape runs crawl and human-assist requests end to end: the crawl
// itself, the streamed output file, the result sink and the completion event.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/storefront-scraper/internal/antibot"
	"github.com/maltedev/storefront-scraper/internal/crawler"
	"github.com/maltedev/storefront-scraper/internal/events"
	"github.com/maltedev/storefront-scraper/internal/extract"
	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/maltedev/storefront-scraper/internal/gate"
	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/maltedev/storefront-scraper/internal/output"
	"github.com/maltedev/storefront-scraper/internal/session"
)

const (
	DefaultNumProducts = 10
	MaxNumProducts     = 100
)

// Crawler runs one crawl.
type Crawler interface {
	Run(ctx context.Context, req crawler.RunRequest) (*crawler.RunResult, error)
}

// Sink persists accepted records.
type Sink interface {
	UpsertProducts(ctx context.Context, records []models.ProductRecord, searchTerm string) ([]models.SaveResult, error)
}

// EventPublisher announces finished runs.
type EventPublisher interface {
	PublishCrawlCompleted(ctx context.Context, payload *events.CrawlCompletedPayload) error
}

type CrawlRequest struct {
	SearchTerm  string
	NumProducts int
	MinPrice    *float64
	MaxPrice    *float64
	Debug       bool
}

type CrawlResponse struct {
	Count           int                    `json:"count"`
	Products        []models.ProductRecord `json:"products"`
	RunID           string                 `json:"run_id"`
	RequestedCount  int                    `json:"requested_count"`
	Shortfall       int                    `json:"shortfall,omitempty"`
	DebugHTML       string                 `json:"debug_html,omitempty"`
	DebugScreenshot string                 `json:"debug_screenshot,omitempty"`
	CaptchaDetected bool                   `json:"captcha_detected,omitempty"`
	StorageState    string                 `json:"storage_state,omitempty"`
	Saved           []models.SaveResult    `json:"saved,omitempty"`
}

type Options struct {
	DataDir       string
	Timeout       time.Duration
	AssistTimeout time.Duration
	Site          string
	WaitFor       []string
	AssistProxy   *fetch.Proxy
}

// Deps are the collaborators of a Service. Sink, Publisher and Sessions are
// optional; Fetcher, Chain and Paginator are only needed for Assist.
type Deps struct {
	Crawler   Crawler
	Sink      Sink
	Publisher EventPublisher

	Fetcher   fetch.Fetcher
	Chain     *extract.Chain
	Gate      *gate.Gate
	Detector  *antibot.Detector
	Paginator *crawler.Paginator
	Identity  crawler.IdentitySource
	Sessions  session.Store
}

type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func NewService(deps Deps, opts Options, logger *slog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 600 * time.Second
	}
	if opts.AssistTimeout <= 0 {
		opts.AssistTimeout = 300 * time.Second
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if deps.Detector == nil {
		deps.Detector = antibot.NewDetector()
	}
	return &Service{deps: deps, opts: opts, logger: logger.With("component", "scrape_service")}
}

// ClampNumProducts applies the default and the [1, 100] range.
func ClampNumProducts(n int) int {
	switch {
	case n == 0:
		return DefaultNumProducts
	case n < 1:
		return 1
	case n > MaxNumProducts:
		return MaxNumProducts
	default:
		return n
	}
}

func (req *CrawlRequest) normalize() error {
	req.SearchTerm = strings.TrimSpace(req.SearchTerm)
	if req.SearchTerm == "" {
		return invalid("search_term is required")
	}
	req.NumProducts = ClampNumProducts(req.NumProducts)
	if req.MinPrice != nil && *req.MinPrice < 0 {
		return invalid("min_price must not be negative")
	}
	if req.MinPrice != nil && req.MaxPrice != nil && *req.MinPrice > *req.MaxPrice {
		return invalid("min_price must not exceed max_price")
	}
	return nil
}

// Scrape crawls, streams accepted records to the run output file, reads them
// back and hands them to the sink. Sink and event failures are logged only.
func (s *Service) Scrape(ctx context.Context, req CrawlRequest) (*CrawlResponse, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "search_term", req.SearchTerm)

	w, err := output.Create(s.opts.DataDir, runID)
	if err != nil {
		return nil, failed(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, runErr := s.deps.Crawler.Run(runCtx, crawler.RunRequest{
		RunID:       runID,
		SearchTerm:  req.SearchTerm,
		Band:        models.PriceBand{Min: req.MinPrice, Max: req.MaxPrice},
		TargetCount: req.NumProducts,
		Debug:       req.Debug,
		OnAccept:    w.Write,
	})
	if err := w.Close(); err != nil {
		logger.Warn("failed to close output", "path", w.Path(), "error", err)
	}

	if runErr != nil && res != nil && res.CaptchaDetected && errors.Is(runErr, crawler.ErrNoPagesFetched) {
		logger.Warn("only challenge pages were served", "signal", res.BlockedSignal)
		runErr = nil
	}
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Error("scrape timed out", "timeout", s.opts.Timeout)
			return nil, ErrTimedOut
		}
		logger.Error("scrape failed", "error", runErr)
		return nil, failed(runErr)
	}

	records, err := output.ReadRecords(w.Path())
	if err != nil {
		if errors.Is(err, output.ErrOutputMissing) {
			return nil, fmt.Errorf("%w: %w", ErrOutputMissing, err)
		}
		return nil, failed(err)
	}

	resp := &CrawlResponse{
		Count:           len(records),
		Products:        records,
		RunID:           runID,
		RequestedCount:  req.NumProducts,
		Shortfall:       res.Shortfall,
		DebugHTML:       res.DebugHTML,
		DebugScreenshot: res.DebugScreenshot,
		CaptchaDetected: res.CaptchaDetected,
	}
	if resp.Products == nil {
		resp.Products = []models.ProductRecord{}
	}

	resp.Saved = s.persist(ctx, records, req.SearchTerm, logger)
	s.announce(ctx, resp, req.SearchTerm, logger)

	logger.Info("scrape completed",
		"count", resp.Count,
		"requested", resp.RequestedCount,
		"shortfall", resp.Shortfall,
		"captcha_detected", resp.CaptchaDetected,
		"output", w.Path())
	return resp, nil
}

func (s *Service) persist(ctx context.Context, records []models.ProductRecord, term string, logger *slog.Logger) []models.SaveResult {
	if s.deps.Sink == nil || len(records) == 0 {
		return nil
	}
	saved, err := s.deps.Sink.UpsertProducts(ctx, records, term)
	if err != nil {
		logger.Warn("failed to persist products", "count", len(records), "error", err)
		return nil
	}
	return saved
}

func (s *Service) announce(ctx context.Context, resp *CrawlResponse, term string, logger *slog.Logger) {
	if s.deps.Publisher == nil {
		return
	}
	payload := &events.CrawlCompletedPayload{
		RunID:           resp.RunID,
		SearchTerm:      term,
		Requested:       resp.RequestedCount,
		Count:           resp.Count,
		Shortfall:       resp.Shortfall,
		CaptchaDetected: resp.CaptchaDetected,
	}
	for _, p := range resp.Products {
		payload.Links = append(payload.Links, p.Link)
	}
	for _, r := range resp.Saved {
		if r.Action == models.SaveCreated {
			payload.Created++
		} else {
			payload.Updated++
		}
	}
	if err := s.deps.Publisher.PublishCrawlCompleted(ctx, payload); err != nil {
		logger.Warn("failed to publish crawl event", "error", err)
	}
}
