package extract

import (
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/maltedev/storefront-scraper/internal/parser"
	"github.com/tidwall/gjson"
)

// StructuredStrategy reads products from the page-data JSON blob embedded in
// listing pages. Paths are tried in order so schema drift degrades to the
// next alias instead of failing.
type StructuredStrategy struct {
	paths  StructuredPaths
	canon  *parser.Canonicalizer
	logger *slog.Logger
}

func NewStructuredStrategy(paths StructuredPaths, canon *parser.Canonicalizer, logger *slog.Logger) *StructuredStrategy {
	return &StructuredStrategy{
		paths:  paths,
		canon:  canon,
		logger: logger.With("strategy", "structured"),
	}
}

func (s *StructuredStrategy) Name() string { return string(models.SourceJSON) }

func (s *StructuredStrategy) Extract(doc *goquery.Document) []models.ProductCandidate {
	blob := strings.TrimSpace(doc.Find(s.paths.Script).First().Text())
	if blob == "" {
		return nil
	}
	if !gjson.Valid(blob) {
		s.logger.Debug("embedded page data is not valid JSON", "bytes", len(blob))
		return nil
	}

	stacks := gjson.Get(blob, s.paths.Stacks)
	if !stacks.Exists() {
		s.logger.Debug("embedded page data has no item stacks", "path", s.paths.Stacks)
		return nil
	}

	var candidates []models.ProductCandidate
	stacks.ForEach(func(_, stack gjson.Result) bool {
		stack.Get(s.paths.Items).ForEach(func(_, item gjson.Result) bool {
			if s.paths.TypeKey != "" && item.Get(s.paths.TypeKey).String() != s.paths.TypeName {
				return true
			}
			candidates = append(candidates, s.candidate(item))
			return true
		})
		return true
	})

	s.logger.Debug("structured candidates", "count", len(candidates))
	return candidates
}

func (s *StructuredStrategy) candidate(item gjson.Result) models.ProductCandidate {
	c := models.ProductCandidate{Source: models.SourceJSON}

	if name := jsonString(item, s.paths.Name); name != "" {
		c.Name = &name
	}
	c.Price = jsonPrice(item, s.paths.Price)
	c.Image = s.canon.Resolve(jsonString(item, s.paths.Image))
	c.Link = s.canon.Canonicalize(jsonString(item, s.paths.Link))
	c.Shipping = jsonString(item, s.paths.Shipping)
	c.Description = jsonString(item, s.paths.Description)
	return c
}

func jsonString(item gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := textOf(item.Get(p)); v != "" {
			return v
		}
	}
	return ""
}

// textOf flattens strings, arrays of strings and objects carrying a text or
// message field, which is how badges and labels tend to be shaped.
func textOf(r gjson.Result) string {
	switch {
	case !r.Exists():
		return ""
	case r.IsArray():
		var parts []string
		r.ForEach(func(_, el gjson.Result) bool {
			if v := textOf(el); v != "" {
				parts = append(parts, v)
			}
			return true
		})
		return strings.Join(parts, " ")
	case r.IsObject():
		for _, key := range []string{"text", "message", "label", "url"} {
			if v := textOf(r.Get(key)); v != "" {
				return v
			}
		}
		return ""
	default:
		return collapseSpace(r.String())
	}
}

func jsonPrice(item gjson.Result, paths []string) *float64 {
	for _, p := range paths {
		r := item.Get(p)
		switch r.Type {
		case gjson.Number:
			v := r.Float()
			if v >= 0 {
				return &v
			}
		case gjson.String:
			if v := parser.ParsePrice(r.String()); v != nil {
				return v
			}
		}
	}
	return nil
}
