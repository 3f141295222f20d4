// Package extract turns listing and detail HTML into product candidates.
//
// Listing pages go through an ordered list of strategies. The first strategy
// that yields candidates owns the page and later strategies are not consulted.
// Candidates still missing mandatory fields are then enriched from their
// detail pages by a bounded worker pool; only that step fills empty fields.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/storefront-scraper/internal/models"
	"golang.org/x/sync/errgroup"
)

// Strategy extracts candidates from a parsed listing page.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document) []models.ProductCandidate
}

// DetailFetcher returns the HTML of a product detail page.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, url string) (string, error)
}

// FieldError reports fields that stayed unresolved after every strategy.
type FieldError struct {
	Fields []string
	Link   string
	Err    error
}

func (e *FieldError) Error() string {
	msg := fmt.Sprintf("extraction failed for %s (%s)", strings.Join(e.Fields, ","), e.Link)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FieldError) Unwrap() error { return e.Err }

// Constraints narrow one extraction pass.
type Constraints struct {
	// Skip reports links that are already collected; they are not enriched.
	Skip func(link string) bool
}

// Chain runs listing strategies and detail enrichment.
type Chain struct {
	strategies []Strategy
	detail     *DetailExtractor
	fetcher    DetailFetcher
	workers    int
	logger     *slog.Logger
}

// NewChain builds a chain. A nil fetcher disables enrichment.
func NewChain(strategies []Strategy, detail *DetailExtractor, fetcher DetailFetcher, workers int, logger *slog.Logger) *Chain {
	if workers < 1 {
		workers = 1
	}
	return &Chain{
		strategies: strategies,
		detail:     detail,
		fetcher:    fetcher,
		workers:    workers,
		logger:     logger.With("component", "extract_chain"),
	}
}

// Extract returns the page's candidates in document order.
func (c *Chain) Extract(ctx context.Context, html string, cons Constraints) ([]models.ProductCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing page: %w", err)
	}

	candidates, owner := c.listing(doc)
	if len(candidates) == 0 {
		return nil, nil
	}
	c.logger.Debug("listing extracted", "strategy", owner, "count", len(candidates))

	if err := c.enrich(ctx, candidates, cons); err != nil {
		return candidates, err
	}
	return candidates, nil
}

func (c *Chain) listing(doc *goquery.Document) ([]models.ProductCandidate, string) {
	for _, s := range c.strategies {
		if candidates := s.Extract(doc); len(candidates) > 0 {
			return candidates, s.Name()
		}
	}
	return nil, ""
}

// fillMissing copies fields from src only where dst has none. It reports
// whether anything was copied.
func fillMissing(dst *models.ProductCandidate, src models.ProductCandidate) bool {
	filled := false
	if (dst.Name == nil || *dst.Name == "") && src.Name != nil && *src.Name != "" {
		dst.Name = src.Name
		filled = true
	}
	if dst.Price == nil && src.Price != nil {
		dst.Price = src.Price
		filled = true
	}
	if dst.PrimaryImage() == "" && src.PrimaryImage() != "" {
		dst.Image = src.PrimaryImage()
		filled = true
	}
	if len(dst.Images) == 0 && len(src.Images) > 0 {
		dst.Images = src.Images
	}
	if dst.Link == "" && src.Link != "" {
		dst.Link = src.Link
		filled = true
	}
	if dst.Shipping == "" && src.Shipping != "" {
		dst.Shipping = src.Shipping
	}
	if dst.Description == "" && src.Description != "" {
		dst.Description = src.Description
	}
	return filled
}

// enrich fetches detail pages for incomplete candidates. Workers only write
// their own slot; results are merged back in candidate order.
func (c *Chain) enrich(ctx context.Context, candidates []models.ProductCandidate, cons Constraints) error {
	if c.fetcher == nil || c.detail == nil {
		return nil
	}

	var pending []int
	for i := range candidates {
		cand := &candidates[i]
		if cand.IsComplete() || cand.Link == "" {
			continue
		}
		if cons.Skip != nil && cons.Skip(cand.Link) {
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return nil
	}

	enriched := make([]*models.ProductCandidate, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for slot, idx := range pending {
		link := candidates[idx].Link
		missing := candidates[idx].MissingFields()
		g.Go(func() error {
			detail, err := c.enrichOne(gctx, link)
			if err != nil {
				c.logger.Warn("detail enrichment failed", "error", &FieldError{Fields: missing, Link: link, Err: err})
				return nil
			}
			enriched[slot] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for slot, idx := range pending {
		if enriched[slot] == nil {
			continue
		}
		if fillMissing(&candidates[idx], *enriched[slot]) {
			candidates[idx].Source = models.SourceDetail
		}
	}
	return ctx.Err()
}

func (c *Chain) enrichOne(ctx context.Context, link string) (*models.ProductCandidate, error) {
	html, err := c.fetcher.FetchDetail(ctx, link)
	if err != nil {
		return nil, err
	}
	detail, err := c.detail.Extract(html)
	if err != nil {
		return nil, err
	}
	return &detail, nil
}
