package crawler

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/storefront-scraper/internal/parser"
)

// DefaultNextPageSelectors locate the pagination link on a listing page.
var DefaultNextPageSelectors = []string{
	`a[aria-label="Next Page"]`,
	`a[data-testid="NextPage"]`,
	`link[rel="next"]`,
}

// Paginator builds search URLs and finds the page that follows a listing.
type Paginator struct {
	canon     *parser.Canonicalizer
	path      string
	selectors []string
}

func NewPaginator(canon *parser.Canonicalizer, searchPath string, selectors ...string) *Paginator {
	if searchPath == "" {
		searchPath = "/search"
	}
	if !strings.HasPrefix(searchPath, "/") {
		searchPath = "/" + searchPath
	}
	if len(selectors) == 0 {
		selectors = DefaultNextPageSelectors
	}
	return &Paginator{canon: canon, path: searchPath, selectors: selectors}
}

// SearchURL returns the listing URL for term at page (1-based).
func (p *Paginator) SearchURL(term string, page int) string {
	q := url.Values{}
	q.Set("q", term)
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	return p.canon.Origin() + p.path + "?" + q.Encode()
}

// Next returns the URL of page next. The page's own pagination link wins;
// otherwise the page number is computed.
func (p *Paginator) Next(html, term string, next int) string {
	if href := p.nextLink(html); href != "" {
		return href
	}
	return p.SearchURL(term, next)
}

func (p *Paginator) nextLink(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range p.selectors {
		href, ok := doc.Find(sel).First().Attr("href")
		if !ok {
			continue
		}
		if href = strings.TrimSpace(href); href != "" && !strings.HasPrefix(href, "#") {
			return p.canon.Resolve(href)
		}
	}
	return ""
}
