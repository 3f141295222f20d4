package models

import (
	"math"
	"time"
)

// Source records which extraction strategy produced a candidate.
type Source string

const (
	SourceJSON   Source = "json"
	SourceDOM    Source = "dom"
	SourceDetail Source = "detail"
)

// ProductCandidate is a partially extracted product. Any field may still be
// unresolved; nil pointers and empty strings mean "not found yet".
type ProductCandidate struct {
	Name        *string  `json:"name"`
	Price       *float64 `json:"price"`
	Image       string   `json:"image,omitempty"`
	Images      []string `json:"images,omitempty"`
	Link        string   `json:"link,omitempty"`
	Shipping    string   `json:"shipping,omitempty"`
	Description string   `json:"description,omitempty"`
	Source      Source   `json:"source"`
}

// MissingFields lists the mandatory fields that are still unresolved.
func (c *ProductCandidate) MissingFields() []string {
	var missing []string
	if c.Name == nil || *c.Name == "" {
		missing = append(missing, "name")
	}
	if c.Price == nil {
		missing = append(missing, "price")
	}
	if c.PrimaryImage() == "" {
		missing = append(missing, "image")
	}
	if c.Link == "" {
		missing = append(missing, "link")
	}
	return missing
}

// IsComplete reports whether every mandatory field is present.
func (c *ProductCandidate) IsComplete() bool {
	return len(c.MissingFields()) == 0
}

// PrimaryImage returns the single image, falling back to the first gallery entry.
func (c *ProductCandidate) PrimaryImage() string {
	if c.Image != "" {
		return c.Image
	}
	if len(c.Images) > 0 {
		return c.Images[0]
	}
	return ""
}

// ProductRecord is a validated product that passed the gate.
type ProductRecord struct {
	Name        string    `json:"name"`
	Price       float64   `json:"price"`
	Image       string    `json:"image"`
	Images      []string  `json:"images,omitempty"`
	Link        string    `json:"link"`
	Shipping    string    `json:"shipping,omitempty"`
	Description string    `json:"description,omitempty"`
	Source      Source    `json:"source"`
	SearchTerm  string    `json:"search_term,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// ImageURLs returns all known image URLs with the primary image first and no duplicates.
func (r *ProductRecord) ImageURLs() []string {
	seen := make(map[string]struct{}, len(r.Images)+1)
	var urls []string
	for _, u := range append([]string{r.Image}, r.Images...) {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}

// PriceBand is an inclusive price interval. A nil bound is open.
type PriceBand struct {
	Min *float64 `json:"min_price,omitempty"`
	Max *float64 `json:"max_price,omitempty"`
}

// Contains reports whether price lies inside the band.
func (b PriceBand) Contains(price float64) bool {
	lo, hi := 0.0, math.Inf(1)
	if b.Min != nil {
		lo = *b.Min
	}
	if b.Max != nil {
		hi = *b.Max
	}
	return price >= lo && price <= hi
}

// CrawlAttempt describes one pass of the orchestrator over the listing pages.
type CrawlAttempt struct {
	AttemptNumber  int `json:"attempt_number"`
	PageBudget     int `json:"page_budget"`
	TargetCount    int `json:"target_count"`
	CollectedSoFar int `json:"collected_so_far"`
	PagesFetched   int `json:"pages_fetched"`
}

// SaveAction tells whether a sink write created or updated a row.
type SaveAction string

const (
	SaveCreated SaveAction = "created"
	SaveUpdated SaveAction = "updated"
)

// SaveResult is the per-record outcome of a sink upsert.
type SaveResult struct {
	ID         int64      `json:"id"`
	Link       string     `json:"link"`
	Action     SaveAction `json:"action"`
	IsComplete bool       `json:"is_complete"`
}

// StoredProduct is a product row as listed back from the sink.
type StoredProduct struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Price       *float64  `json:"price"`
	Image       string    `json:"image"`
	Link        string    `json:"link"`
	Shipping    string    `json:"shipping,omitempty"`
	Description string    `json:"description,omitempty"`
	SearchTerm  string    `json:"search_term,omitempty"`
	IsComplete  bool      `json:"is_complete"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// FloatPtr returns a pointer to f.
func FloatPtr(f float64) *float64 { return &f }
