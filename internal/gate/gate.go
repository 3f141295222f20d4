package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/maltedev/storefront-scraper/internal/parser"
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonMissingFields  Reason = "missing_fields"
	ReasonPriceOutOfBand Reason = "price_out_of_band"
	ReasonDuplicate      Reason = "duplicate"
)

// ErrDuplicate matches rejections of links that were already accepted.
var ErrDuplicate = errors.New("duplicate link skipped")

// RejectedError explains why a candidate was not accepted.
type RejectedError struct {
	Reason  Reason
	Missing []string
	Price   float64
	Link    string
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case ReasonMissingFields:
		return fmt.Sprintf("rejected: missing fields %s", strings.Join(e.Missing, ","))
	case ReasonPriceOutOfBand:
		return fmt.Sprintf("rejected: price %.2f outside band", e.Price)
	case ReasonDuplicate:
		return fmt.Sprintf("rejected: duplicate link %s", e.Link)
	default:
		return "rejected: " + string(e.Reason)
	}
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrDuplicate && e.Reason == ReasonDuplicate
}

// SeenLinks is the set of canonical links accepted during one crawl run. It
// only grows; the gate is its sole writer.
type SeenLinks struct {
	links map[string]struct{}
}

func NewSeenLinks() *SeenLinks {
	return &SeenLinks{links: make(map[string]struct{})}
}

func (s *SeenLinks) Contains(link string) bool {
	_, ok := s.links[link]
	return ok
}

func (s *SeenLinks) Len() int {
	return len(s.links)
}

func (s *SeenLinks) add(link string) {
	s.links[link] = struct{}{}
}

// Gate validates candidates and turns accepted ones into records.
type Gate struct {
	canon  *parser.Canonicalizer
	now    func() time.Time
	logger *slog.Logger
}

func New(canon *parser.Canonicalizer, logger *slog.Logger) *Gate {
	return &Gate{
		canon:  canon,
		now:    time.Now,
		logger: logger.With("component", "gate"),
	}
}

// Accept checks, in order: mandatory fields, price band, duplicate link. On
// success the canonical link is added to seen.
func (g *Gate) Accept(c models.ProductCandidate, seen *SeenLinks, band models.PriceBand) (models.ProductRecord, error) {
	if c.Link != "" {
		c.Link = g.canon.Canonicalize(c.Link)
	}

	if missing := c.MissingFields(); len(missing) > 0 {
		return models.ProductRecord{}, &RejectedError{Reason: ReasonMissingFields, Missing: missing, Link: c.Link}
	}

	price := *c.Price
	if !band.Contains(price) {
		return models.ProductRecord{}, &RejectedError{Reason: ReasonPriceOutOfBand, Price: price, Link: c.Link}
	}

	if seen.Contains(c.Link) {
		return models.ProductRecord{}, &RejectedError{Reason: ReasonDuplicate, Link: c.Link}
	}
	seen.add(c.Link)

	return models.ProductRecord{
		Name:        *c.Name,
		Price:       price,
		Image:       c.PrimaryImage(),
		Images:      c.Images,
		Link:        c.Link,
		Shipping:    c.Shipping,
		Description: c.Description,
		Source:      c.Source,
		ScrapedAt:   g.now().UTC(),
	}, nil
}
