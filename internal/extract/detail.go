package extract

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/maltedev/storefront-scraper/internal/parser"
	"github.com/tidwall/gjson"
)

// DetailExtractor reads a product detail page. Markup rules come first;
// embedded linked-data objects fill whatever the markup left empty.
type DetailExtractor struct {
	rules  DetailRules
	canon  *parser.Canonicalizer
	logger *slog.Logger
}

func NewDetailExtractor(rules DetailRules, canon *parser.Canonicalizer, logger *slog.Logger) *DetailExtractor {
	return &DetailExtractor{
		rules:  rules,
		canon:  canon,
		logger: logger.With("strategy", "detail"),
	}
}

func (d *DetailExtractor) Extract(html string) (models.ProductCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.ProductCandidate{}, fmt.Errorf("failed to parse detail page: %w", err)
	}

	scope := doc.Selection
	c := models.ProductCandidate{Source: models.SourceDetail}

	if name, _ := firstValue(scope, d.rules.Name); name != "" {
		c.Name = &name
	}
	c.Price, _ = firstPrice(scope, d.rules.Price)
	c.Description, _ = firstValue(scope, d.rules.Description)
	c.Shipping, _ = firstValue(scope, d.rules.Shipping)
	c.Images = d.images(scope)
	if len(c.Images) > 0 {
		c.Image = c.Images[0]
	}

	if c.Name == nil || c.Description == "" || c.Price == nil || c.Image == "" {
		d.applyLinkedData(doc, &c)
	}

	return c, nil
}

// images collects src and the first srcset entry of every gallery image,
// in rule order, without duplicates.
func (d *DetailExtractor) images(scope *goquery.Selection) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		u := d.canon.Resolve(raw)
		if u == "" || strings.HasPrefix(u, "data:") {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	for _, r := range d.rules.Images {
		scope.Find(r.Selector).Each(func(_ int, img *goquery.Selection) {
			if src, ok := img.Attr("src"); ok {
				add(src)
			}
			if srcset, ok := img.Attr("srcset"); ok {
				add(firstSrcset(srcset))
			}
		})
	}
	return out
}

func (d *DetailExtractor) applyLinkedData(doc *goquery.Document, c *models.ProductCandidate) {
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, obj := range linkedDataObjects(s.Text()) {
			if c.Name == nil {
				if v := textOf(obj.Get("name")); v != "" {
					c.Name = &v
				}
			}
			if c.Description == "" {
				c.Description = textOf(obj.Get("description"))
			}
			if c.Price == nil {
				c.Price = jsonPrice(obj, []string{"offers.price", "offers.0.price", "offers.lowPrice"})
			}
			if c.Image == "" {
				if img := d.canon.Resolve(firstLinkedImage(obj.Get("image"))); img != "" {
					c.Image = img
					c.Images = append(c.Images, img)
				}
			}
		}
		return c.Name == nil || c.Description == "" || c.Price == nil || c.Image == ""
	})
}

// linkedDataObjects flattens a JSON-LD block into its objects, expanding
// top-level arrays and @graph. Product objects come first.
func linkedDataObjects(raw string) []gjson.Result {
	raw = strings.TrimSpace(raw)
	if raw == "" || !gjson.Valid(raw) {
		return nil
	}

	var all []gjson.Result
	var walk func(r gjson.Result)
	walk = func(r gjson.Result) {
		switch {
		case r.IsArray():
			r.ForEach(func(_, el gjson.Result) bool {
				walk(el)
				return true
			})
		case r.IsObject():
			if graph := member(r, "@graph"); graph.Exists() {
				walk(graph)
				return
			}
			all = append(all, r)
		}
	}
	walk(gjson.Parse(raw))

	var products, rest []gjson.Result
	for _, obj := range all {
		if isProductType(member(obj, "@type")) {
			products = append(products, obj)
		} else {
			rest = append(rest, obj)
		}
	}
	return append(products, rest...)
}

func isProductType(t gjson.Result) bool {
	if t.IsArray() {
		for _, el := range t.Array() {
			if el.String() == "Product" {
				return true
			}
		}
		return false
	}
	return t.String() == "Product"
}

func firstLinkedImage(r gjson.Result) string {
	switch {
	case r.IsArray():
		for _, el := range r.Array() {
			if v := firstLinkedImage(el); v != "" {
				return v
			}
		}
		return ""
	case r.IsObject():
		return r.Get("url").String()
	default:
		return r.String()
	}
}

// member looks up a key literally; JSON-LD keys start with '@', which gjson
// paths reserve for modifiers.
func member(obj gjson.Result, key string) gjson.Result {
	var out gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			out = v
			return false
		}
		return true
	})
	return out
}
