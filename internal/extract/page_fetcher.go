package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/maltedev/storefront-scraper/internal/fetch"
)

// PageDetailFetcher loads detail pages through a fetch.Fetcher with a fresh
// identity per request.
type PageDetailFetcher struct {
	Fetcher  fetch.Fetcher
	Identity func() fetch.Identity
	Site     string
	WaitFor  []string
	Timeout  time.Duration
}

func (p *PageDetailFetcher) FetchDetail(ctx context.Context, url string) (string, error) {
	req := fetch.Request{
		URL:         url,
		Site:        p.Site,
		WaitFor:     p.WaitFor,
		WaitTimeout: p.Timeout,
	}
	if p.Identity != nil {
		req.Identity = p.Identity()
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*p.Timeout)
		defer cancel()
	}

	res, err := p.Fetcher.Fetch(ctx, req)
	if err != nil {
		return "", err
	}
	if res.HTML == "" {
		return "", fmt.Errorf("%w: empty detail page %s", fetch.ErrTimeout, url)
	}
	return res.HTML, nil
}
