package extract

import (
	"log/slog"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/maltedev/storefront-scraper/internal/parser"
)

// DOMStrategy reads product cards from listing markup using ordered rules.
type DOMStrategy struct {
	rules  ListingRules
	canon  *parser.Canonicalizer
	logger *slog.Logger
}

func NewDOMStrategy(rules ListingRules, canon *parser.Canonicalizer, logger *slog.Logger) *DOMStrategy {
	return &DOMStrategy{
		rules:  rules,
		canon:  canon,
		logger: logger.With("strategy", "dom"),
	}
}

func (s *DOMStrategy) Name() string { return string(models.SourceDOM) }

func (s *DOMStrategy) Extract(doc *goquery.Document) []models.ProductCandidate {
	cards := s.cards(doc)
	if cards == nil {
		return nil
	}

	candidates := make([]models.ProductCandidate, 0, cards.Length())
	cards.Each(func(_ int, card *goquery.Selection) {
		candidates = append(candidates, s.candidate(card))
	})
	s.logger.Debug("dom candidates", "count", len(candidates))
	return candidates
}

// cards returns the matches of the first card selector that finds anything.
func (s *DOMStrategy) cards(doc *goquery.Document) *goquery.Selection {
	for _, sel := range s.rules.Cards {
		if found := doc.Find(sel); found.Length() > 0 {
			return found
		}
	}
	return nil
}

func (s *DOMStrategy) candidate(card *goquery.Selection) models.ProductCandidate {
	c := models.ProductCandidate{Source: models.SourceDOM}

	if raw, idx := firstValue(card, s.rules.Name); raw != "" {
		name := parser.CleanTitle(raw)
		c.Name = &name
		s.logField("name", idx, true)
	} else {
		s.logField("name", idx, false)
	}

	var idx int
	c.Price, idx = firstPrice(card, s.rules.Price)
	s.logField("price", idx, c.Price != nil)

	c.Image, idx = firstValue(card, s.rules.Image)
	s.logField("image", idx, c.Image != "")

	var link string
	link, idx = firstValue(card, s.rules.Link)
	c.Link = s.canon.Canonicalize(link)
	s.logField("link", idx, c.Link != "")

	c.Shipping, _ = firstValue(card, s.rules.Shipping)
	return c
}

func (s *DOMStrategy) logField(field string, rule int, ok bool) {
	s.logger.Debug("field extraction", "field", field, "rule", rule, "success", ok)
}

// firstPrice returns the first rule that parses to a price.
func firstPrice(scope *goquery.Selection, rules []Rule) (*float64, int) {
	for i, r := range rules {
		if p := rulePrice(scope, r); p != nil {
			return p, i
		}
	}
	return nil, -1
}

func rulePrice(scope *goquery.Selection, r Rule) *float64 {
	if r.Cents == "" {
		return parser.ParsePrice(r.value(scope))
	}
	dollars := scope.Find(r.Selector).First()
	if dollars.Length() == 0 {
		return nil
	}
	cents := scope.Find(r.Cents).First()
	return parser.ParseSplitPrice(dollars.Text(), cents.Text())
}
