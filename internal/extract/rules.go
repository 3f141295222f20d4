package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Rule is one way to read a field from a scope. Rules are data: a field keeps
// an ordered list and the first rule yielding a value wins.
type Rule struct {
	// Selector is evaluated inside the scope; empty means the scope itself.
	Selector string
	// Attr reads an attribute instead of text. "srcset" yields the first URL.
	Attr string
	// Cents marks a split price: Selector holds dollars, Cents the cents node.
	Cents string
	// Lines reads the scope as newline separated leaf texts.
	Lines bool
}

// ListingRules configure the DOM strategy.
type ListingRules struct {
	Cards    []string
	Name     []Rule
	Price    []Rule
	Image    []Rule
	Link     []Rule
	Shipping []Rule
}

// DetailRules configure detail-page enrichment.
type DetailRules struct {
	Name        []Rule
	Price       []Rule
	Description []Rule
	Shipping    []Rule
	Images      []Rule
}

// StructuredPaths locate products inside the embedded page-data blob.
type StructuredPaths struct {
	Script   string
	Stacks   string
	Items    string
	TypeKey  string
	TypeName string

	Name        []string
	Price       []string
	Image       []string
	Link        []string
	Shipping    []string
	Description []string
}

func DefaultListingRules() ListingRules {
	return ListingRules{
		Cards: []string{
			`div[data-item-id]`,
			`div.search-result-gridview-item-wrapper`,
		},
		Name: []Rule{
			{Selector: `span[data-automation-id="product-title"]`},
			{Selector: `a span.w_iUH7`},
			{Selector: `.f6.f5-l`},
			{Selector: `a.product-title-link`},
			{Selector: `span.normal`},
			{Lines: true},
		},
		Price: []Rule{
			{Selector: `div[data-automation-id="product-price"]`},
			{Selector: `span.price-characteristic`, Cents: `span.price-mantissa`},
			{Selector: `span.price-characteristic`, Attr: "content"},
			{Selector: `.aa88`},
			{Selector: `span.f3`},
		},
		Image: []Rule{
			{Selector: `img[data-testid="productTileImage"]`, Attr: "src"},
			{Selector: `img`, Attr: "src"},
			{Selector: `img`, Attr: "data-src"},
			{Selector: `img`, Attr: "srcset"},
		},
		Link: []Rule{
			{Selector: `a[link-identifier]`, Attr: "href"},
			{Selector: `a[href]`, Attr: "href"},
		},
		Shipping: []Rule{
			{Selector: `[data-automation-id="fulfillment-badge"]`},
			{Selector: `div[data-testid="shippingMessage"]`},
			{Selector: `span:contains("shipping")`},
		},
	}
}

func DefaultDetailRules() DetailRules {
	return DetailRules{
		Name: []Rule{
			{Selector: `h1.prod-ProductTitle`},
			{Selector: `h1[itemprop="name"]`},
			{Selector: `h1`},
		},
		Price: []Rule{
			{Selector: `span.price-characteristic`, Attr: "content"},
			{Selector: `meta[itemprop="price"]`, Attr: "content"},
			{Selector: `[itemprop="price"]`},
			{Selector: `span.price-characteristic`, Cents: `span.price-mantissa`},
			{Selector: `span.price`},
		},
		Description: []Rule{
			{Selector: `#product-description p`},
			{Selector: `[data-testid="product-description"]`},
			{Selector: `meta[name="description"]`, Attr: "content"},
		},
		Shipping: []Rule{
			{Selector: `[data-testid="fulfillment-summary"]`},
			{Selector: `div[data-automation-id="fulfillment-badge"]`},
			{Selector: `span:contains("shipping")`},
		},
		Images: []Rule{
			{Selector: `img.prod-hero-image`},
			{Selector: `img[itemprop="image"]`},
			{Selector: `ul.slider-list img`},
			{Selector: `div.carousel img`},
			{Selector: `div.thumbnail-list img`},
			{Selector: `div.product-image-gallery img`},
		},
	}
}

func DefaultStructuredPaths() StructuredPaths {
	return StructuredPaths{
		Script:      `script#__NEXT_DATA__`,
		Stacks:      "props.pageProps.initialData.searchResult.itemStacks",
		Items:       "items",
		TypeKey:     "__typename",
		TypeName:    "Product",
		Name:        []string{"name", "title"},
		Price:       []string{"priceInfo.currentPrice.price", "priceInfo.currentPrice.priceString", "priceInfo.linePrice", "price"},
		Image:       []string{"image", "imageInfo.thumbnailUrl"},
		Link:        []string{"canonicalUrl", "productPageUrl"},
		Shipping:    []string{"fulfillmentLabel", "fulfillmentBadge"},
		Description: []string{"description", "shortDescription"},
	}
}

// value returns the first non-empty reading of r in scope.
func (r Rule) value(scope *goquery.Selection) string {
	sel := scope
	if r.Selector != "" {
		sel = scope.Find(r.Selector)
	}
	if sel.Length() == 0 {
		return ""
	}
	if r.Lines {
		return leafLines(sel.First())
	}

	var out string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if r.Attr != "" {
			v, _ := s.Attr(r.Attr)
			if r.Attr == "srcset" {
				v = firstSrcset(v)
			}
			out = strings.TrimSpace(v)
		} else {
			out = collapseSpace(s.Text())
		}
		return out == ""
	})
	return out
}

// firstValue walks rules in order and reports the winning value and rule index.
func firstValue(scope *goquery.Selection, rules []Rule) (string, int) {
	for i, r := range rules {
		if v := r.value(scope); v != "" {
			return v, i
		}
	}
	return "", -1
}

func leafLines(sel *goquery.Selection) string {
	var lines []string
	sel.Find("*").Each(func(_ int, s *goquery.Selection) {
		if s.Is("script, style, noscript") || s.Children().Length() > 0 {
			return
		}
		if t := collapseSpace(s.Text()); t != "" {
			lines = append(lines, t)
		}
	})
	if len(lines) == 0 {
		if t := collapseSpace(sel.Text()); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n")
}

func firstSrcset(srcset string) string {
	first := strings.TrimSpace(strings.Split(srcset, ",")[0])
	if fields := strings.Fields(first); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
