package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/maltedev/storefront-scraper/internal/antibot"
	"github.com/maltedev/storefront-scraper/internal/extract"
	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/maltedev/storefront-scraper/internal/gate"
	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/maltedev/storefront-scraper/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "https://www.example.com"

const emptyPageHTML = `<html><body><div id="main-content"></div></body></html>`

func card(id int, name string, price float64) string {
	return fmt.Sprintf(`
  <div data-item-id="%d">
    <a href="/ip/%d"><span data-automation-id="product-title">%s</span></a>
    <div data-automation-id="product-price"><div>$%.2f</div></div>
    <img data-testid="productTileImage" src="https://img.example.com/%d.jpg" />
  </div>`, id, id, name, price, id)
}

func listing(cards ...string) string {
	return "<html><body>" + strings.Join(cards, "") + "</body></html>"
}

func walletListing() string {
	return listing(
		card(1, "Wallet A", 10),
		card(2, "Wallet B", 20),
		card(3, "Wallet C", 30),
	)
}

// scriptedFetcher answers listing requests from a function and records them.
type scriptedFetcher struct {
	mu       sync.Mutex
	requests []fetch.Request
	respond  func(call int, req fetch.Request) (*fetch.Result, error)
}

func (s *scriptedFetcher) Fetch(_ context.Context, req fetch.Request) (*fetch.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	call := len(s.requests)
	s.mu.Unlock()
	return s.respond(call, req)
}

func (s *scriptedFetcher) urls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.URL
	}
	return out
}

func html(body string) *fetch.Result {
	return &fetch.Result{HTML: body, Status: 200}
}

func isFirstPage(url string) bool {
	return !strings.Contains(url, "page=")
}

type countingPacer struct {
	waits, blocked, clean int
}

func (p *countingPacer) Wait(context.Context) error { p.waits++; return nil }
func (p *countingPacer) RecordBlocked()             { p.blocked++ }
func (p *countingPacer) RecordSuccess()             { p.clean++ }

type staticIdentity struct{}

func (staticIdentity) Next() fetch.Identity { return fetch.Identity{UserAgent: "test-agent"} }

func newTestCrawler(t *testing.T, f fetch.Fetcher, opts Options, pacer Pacer) *Crawler {
	t.Helper()
	logger := slog.Default()
	canon := parser.MustCanonicalizer(origin)
	chain := extract.NewChain(
		[]extract.Strategy{
			extract.NewStructuredStrategy(extract.DefaultStructuredPaths(), canon, logger),
			extract.NewDOMStrategy(extract.DefaultListingRules(), canon, logger),
		},
		nil, nil, 1, logger,
	)
	return New(Deps{
		Fetcher:   f,
		Chain:     chain,
		Gate:      gate.New(canon, logger),
		Detector:  antibot.NewDetector(),
		Identity:  staticIdentity{},
		Pacer:     pacer,
		Paginator: NewPaginator(canon, "/search"),
	}, opts, logger)
}

func names(records []models.ProductRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Name
	}
	return out
}

func TestCrawler_RetryTermination(t *testing.T) {
	// Every attempt finds three new products on its first page and then runs
	// out of results.
	firstPages := 0
	f := &scriptedFetcher{respond: func(_ int, req fetch.Request) (*fetch.Result, error) {
		if !isFirstPage(req.URL) {
			return html(emptyPageHTML), nil
		}
		firstPages++
		base := firstPages * 10
		return html(listing(
			card(base+1, fmt.Sprintf("Item %d", base+1), 5),
			card(base+2, fmt.Sprintf("Item %d", base+2), 5),
			card(base+3, fmt.Sprintf("Item %d", base+3), 5),
		)), nil
	}}

	c := newTestCrawler(t, f, DefaultOptions(), nil)
	res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 10, MaxAttempts: 3})
	require.NoError(t, err)

	assert.Len(t, res.Records, 9)
	assert.Equal(t, 1, res.Shortfall)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, 8, res.Attempts[0].PageBudget)
	assert.Equal(t, 12, res.Attempts[1].PageBudget)
	assert.Equal(t, 16, res.Attempts[2].PageBudget)
	assert.Equal(t, 3, res.Attempts[0].CollectedSoFar)
	assert.Equal(t, 9, res.Attempts[2].CollectedSoFar)
	assert.Equal(t, 6, res.PagesFetched)

	seen := map[string]bool{}
	for _, r := range res.Records {
		assert.False(t, seen[r.Link], "duplicate link %s", r.Link)
		seen[r.Link] = true
	}
}

func TestCrawler_TargetReachedInFirstAttempt(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, req fetch.Request) (*fetch.Result, error) {
		return html(listing(
			card(call*10+1, "A", 5),
			card(call*10+2, "B", 5),
			card(call*10+3, "C", 5),
		)), nil
	}}

	c := newTestCrawler(t, f, DefaultOptions(), nil)
	res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 10})
	require.NoError(t, err)

	assert.Len(t, res.Records, 10)
	assert.Zero(t, res.Shortfall)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 4, res.PagesFetched)
}

func TestCrawler_WalletScenario(t *testing.T) {
	f := &scriptedFetcher{respond: func(int, fetch.Request) (*fetch.Result, error) {
		return html(walletListing()), nil
	}}

	var streamed []string
	c := newTestCrawler(t, f, DefaultOptions(), nil)
	res, err := c.Run(context.Background(), RunRequest{
		SearchTerm:  "wallet",
		TargetCount: 2,
		OnAccept: func(r models.ProductRecord) error {
			streamed = append(streamed, r.Name)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Wallet A", "Wallet B"}, names(res.Records))
	assert.Equal(t, []string{"Wallet A", "Wallet B"}, streamed)
	assert.Zero(t, res.Shortfall)
	assert.False(t, res.CaptchaDetected)
	assert.NoError(t, res.Blocked())
	assert.Len(t, f.urls(), 1)

	first := res.Records[0]
	assert.Equal(t, "https://www.example.com/ip/1", first.Link)
	assert.Equal(t, 10.0, first.Price)
	assert.Equal(t, "https://img.example.com/1.jpg", first.Image)
	assert.Equal(t, "wallet", first.SearchTerm)
	assert.NotEmpty(t, res.RunID)
}

func TestCrawler_BlockedPage(t *testing.T) {
	blocked := `<html><body><h1>Are you a robot?</h1>` + card(1, "Wallet A", 10) + `</body></html>`
	f := &scriptedFetcher{respond: func(call int, req fetch.Request) (*fetch.Result, error) {
		if call == 1 {
			return html(blocked), nil
		}
		return html(emptyPageHTML), nil
	}}

	pacer := &countingPacer{}
	c := newTestCrawler(t, f, DefaultOptions(), pacer)
	res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 1})
	require.NoError(t, err)

	assert.True(t, res.CaptchaDetected)
	assert.Equal(t, "are you a robot", res.BlockedSignal)
	assert.ErrorIs(t, res.Blocked(), ErrBlockedPage)
	assert.Equal(t, []string{"Wallet A"}, names(res.Records))
	assert.Equal(t, 1, pacer.blocked)
}

func TestCrawler_BlockedFetchIsNotFatal(t *testing.T) {
	challenge := `<html><body><h1>Robot or human?</h1><p>Are you a robot?</p></body></html>`
	failed := func(body string) *fetch.Result {
		return &fetch.Result{HTML: body, Failed: true, FailReason: "no listing markers"}
	}

	tests := []struct {
		name      string
		respond   func(call int, req fetch.Request) (*fetch.Result, error)
		want      []string
		pages     int
		shortfall int
	}{
		{
			name: "every fetch is a challenge",
			respond: func(int, fetch.Request) (*fetch.Result, error) {
				return failed(challenge), nil
			},
			want:      []string{},
			shortfall: 2,
		},
		{
			name: "visible cards on a challenge page are kept",
			respond: func(call int, req fetch.Request) (*fetch.Result, error) {
				return failed(`<html><body><p>Are you a robot?</p>` + card(1, "Wallet A", 10) + `</body></html>`), nil
			},
			want:      []string{"Wallet A"},
			shortfall: 1,
		},
		{
			name: "later attempt recovers",
			respond: func(call int, req fetch.Request) (*fetch.Result, error) {
				if call == 1 {
					return failed(challenge), nil
				}
				return html(walletListing()), nil
			},
			want:  []string{"Wallet A", "Wallet B"},
			pages: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{respond: tt.respond}
			c := newTestCrawler(t, f, DefaultOptions(), nil)

			res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 2})
			require.NoError(t, err)
			assert.True(t, res.CaptchaDetected)
			assert.NotEmpty(t, res.BlockedSignal)
			assert.Equal(t, tt.want, names(res.Records))
			assert.Equal(t, tt.pages, res.PagesFetched)
			assert.Equal(t, tt.shortfall, res.Shortfall)
		})
	}
}

func TestCrawler_FetchFailures(t *testing.T) {
	tests := []struct {
		name    string
		respond func(call int, req fetch.Request) (*fetch.Result, error)
		wantErr error
		want    []string
		attempt int
	}{
		{
			name: "timeout aborts only the first attempt",
			respond: func(call int, req fetch.Request) (*fetch.Result, error) {
				if call == 1 {
					return nil, fetch.ErrTimeout
				}
				return html(walletListing()), nil
			},
			want:    []string{"Wallet A", "Wallet B", "Wallet C"},
			attempt: 2,
		},
		{
			name: "failed result aborts the attempt",
			respond: func(call int, req fetch.Request) (*fetch.Result, error) {
				if call == 1 {
					return &fetch.Result{HTML: emptyPageHTML, Failed: true, FailReason: "no listing markers"}, nil
				}
				return html(walletListing()), nil
			},
			want:    []string{"Wallet A", "Wallet B", "Wallet C"},
			attempt: 2,
		},
		{
			name: "no successful page is fatal",
			respond: func(int, fetch.Request) (*fetch.Result, error) {
				return nil, errors.New("browser crashed")
			},
			wantErr: ErrNoPagesFetched,
			want:    []string{},
			attempt: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{respond: tt.respond}
			c := newTestCrawler(t, f, DefaultOptions(), nil)

			res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 3})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, res)
			assert.Equal(t, tt.want, names(res.Records))
			assert.Len(t, res.Attempts, tt.attempt)
		})
	}
}

func TestCrawler_DedupAcrossAttempts(t *testing.T) {
	f := &scriptedFetcher{respond: func(_ int, req fetch.Request) (*fetch.Result, error) {
		if isFirstPage(req.URL) {
			return html(walletListing()), nil
		}
		return html(emptyPageHTML), nil
	}}

	c := newTestCrawler(t, f, DefaultOptions(), nil)
	res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 5})
	require.NoError(t, err)

	assert.Equal(t, []string{"Wallet A", "Wallet B", "Wallet C"}, names(res.Records))
	assert.Equal(t, 2, res.Shortfall)
	assert.Len(t, res.Attempts, 3)
}

func TestCrawler_PriceBand(t *testing.T) {
	f := &scriptedFetcher{respond: func(_ int, req fetch.Request) (*fetch.Result, error) {
		if isFirstPage(req.URL) {
			return html(walletListing()), nil
		}
		return html(emptyPageHTML), nil
	}}

	c := newTestCrawler(t, f, Options{MaxAttempts: 1}, nil)
	res, err := c.Run(context.Background(), RunRequest{
		SearchTerm:  "wallet",
		TargetCount: 3,
		Band:        models.PriceBand{Min: models.FloatPtr(15), Max: models.FloatPtr(25)},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Wallet B"}, names(res.Records))
	assert.Equal(t, 2, res.Shortfall)
}

func TestCrawler_FollowsNextPageLink(t *testing.T) {
	page1 := listing(card(1, "Wallet A", 10)) +
		`<a aria-label="Next Page" href="/search?q=wallet&amp;page=2&amp;affinity=7">Next</a>`
	f := &scriptedFetcher{respond: func(call int, req fetch.Request) (*fetch.Result, error) {
		switch call {
		case 1:
			return html(page1), nil
		case 2:
			return html(listing(card(2, "Wallet B", 20))), nil
		default:
			return html(emptyPageHTML), nil
		}
	}}

	c := newTestCrawler(t, f, Options{MaxAttempts: 1}, nil)
	res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 5})
	require.NoError(t, err)

	urls := f.urls()
	require.Len(t, urls, 3)
	assert.Equal(t, "https://www.example.com/search?q=wallet", urls[0])
	assert.Equal(t, "https://www.example.com/search?q=wallet&page=2&affinity=7", urls[1])
	assert.Equal(t, "https://www.example.com/search?page=3&q=wallet", urls[2])
	assert.Equal(t, []string{"Wallet A", "Wallet B"}, names(res.Records))
}

func TestCrawler_PageBudget(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, req fetch.Request) (*fetch.Result, error) {
		return html(listing(card(call, fmt.Sprintf("Item %d", call), 5))), nil
	}}

	c := newTestCrawler(t, f, Options{InitialPageBudget: 2, PageBudgetStep: 1, MaxAttempts: 2}, nil)
	res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 50})
	require.NoError(t, err)

	assert.Len(t, f.urls(), 5)
	assert.Len(t, res.Records, 5)
	assert.Equal(t, 45, res.Shortfall)
}

func TestCrawler_MaxItemsPerPage(t *testing.T) {
	f := &scriptedFetcher{respond: func(_ int, req fetch.Request) (*fetch.Result, error) {
		if isFirstPage(req.URL) {
			return html(walletListing()), nil
		}
		return html(emptyPageHTML), nil
	}}

	c := newTestCrawler(t, f, Options{MaxAttempts: 1, MaxItemsPerPage: 2}, nil)
	res, err := c.Run(context.Background(), RunRequest{SearchTerm: "wallet", TargetCount: 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"Wallet A", "Wallet B"}, names(res.Records))
}

func TestCrawler_OnAcceptErrorStopsRun(t *testing.T) {
	f := &scriptedFetcher{respond: func(int, fetch.Request) (*fetch.Result, error) {
		return html(walletListing()), nil
	}}

	sinkErr := errors.New("disk full")
	c := newTestCrawler(t, f, DefaultOptions(), nil)
	_, err := c.Run(context.Background(), RunRequest{
		SearchTerm:  "wallet",
		TargetCount: 3,
		OnAccept:    func(models.ProductRecord) error { return sinkErr },
	})
	assert.ErrorIs(t, err, sinkErr)
}

func TestCrawler_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &scriptedFetcher{respond: func(int, fetch.Request) (*fetch.Result, error) {
		cancel()
		return nil, context.Canceled
	}}

	c := newTestCrawler(t, f, DefaultOptions(), nil)
	_, err := c.Run(ctx, RunRequest{SearchTerm: "wallet", TargetCount: 3})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.urls(), 1)
}

func TestCrawler_RequestValidation(t *testing.T) {
	c := newTestCrawler(t, &scriptedFetcher{}, DefaultOptions(), nil)

	_, err := c.Run(context.Background(), RunRequest{TargetCount: 1})
	assert.Error(t, err)

	_, err = c.Run(context.Background(), RunRequest{SearchTerm: "wallet"})
	assert.Error(t, err)
}

func TestCrawler_FetchRequest(t *testing.T) {
	f := &scriptedFetcher{respond: func(int, fetch.Request) (*fetch.Result, error) {
		return html(walletListing()), nil
	}}

	c := newTestCrawler(t, f, Options{Site: "example"}, nil)
	_, err := c.Run(context.Background(), RunRequest{SearchTerm: "leather wallet", TargetCount: 1, Debug: true})
	require.NoError(t, err)

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, "https://www.example.com/search?q=leather+wallet", req.URL)
	assert.Equal(t, "example", req.Site)
	assert.Equal(t, "test-agent", req.Identity.UserAgent)
	assert.True(t, req.CaptureDebug)
	assert.True(t, req.Scroll)
	assert.NotEmpty(t, req.WaitFor)
}

func TestPaginator(t *testing.T) {
	p := NewPaginator(parser.MustCanonicalizer(origin), "search")

	assert.Equal(t, "https://www.example.com/search?q=red+wallet", p.SearchURL("red wallet", 1))
	assert.Equal(t, "https://www.example.com/search?page=4&q=red+wallet", p.SearchURL("red wallet", 4))

	tests := []struct {
		name string
		html string
		want string
	}{
		{"computed when no link", emptyPageHTML, "https://www.example.com/search?page=2&q=wallet"},
		{"aria next link", `<a aria-label="Next Page" href="/search?q=wallet&amp;page=2">n</a>`, "https://www.example.com/search?q=wallet&page=2"},
		{"rel next", `<link rel="next" href="https://www.example.com/search?q=wallet&amp;page=2">`, "https://www.example.com/search?q=wallet&page=2"},
		{"fragment ignored", `<a aria-label="Next Page" href="#">n</a>`, "https://www.example.com/search?page=2&q=wallet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Next(tt.html, "wallet", 2))
		})
	}
}
