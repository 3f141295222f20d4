package browser

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/playwright-community/playwright-go"
)

type Browser struct {
	pw      *playwright.Playwright
	ownsPW  bool
	browser playwright.Browser
	opts    Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ExtraHeaders   map[string]string

	// PerContextProxy launches chromium with a placeholder proxy so that each
	// context may carry its own proxy.
	PerContextProxy bool
	Humanize        bool
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "America/New_York",
		Locale:         "en-US",
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Encoding": "gzip, deflate, br",
			"DNT":             "1",
		},
		Humanize: true,
	}
}

func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	b, err := launch(pw, *opts)
	if err != nil {
		pw.Stop()
		return nil, err
	}
	b.ownsPW = true
	return b, nil
}

// Headed launches a visible browser sharing this browser's playwright driver.
// The caller closes it.
func (b *Browser) Headed() (*Browser, error) {
	opts := b.opts
	opts.Headless = false
	return launch(b.pw, opts)
}

func launch(pw *playwright.Playwright, opts Options) (*Browser, error) {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     launchArgs(opts),
	}
	if opts.PerContextProxy {
		launchOpts.Proxy = &playwright.Proxy{Server: "http://per-context"}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		opts:    opts,
		logger:  slog.Default().With("component", "browser", "headless", opts.Headless),
	}, nil
}

func launchArgs(opts Options) []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		"--start-maximized",
	}
}

// NewContext opens an isolated context presenting the given identity. A
// non-empty storageStatePath seeds cookies and origin storage.
func (b *Browser) NewContext(id fetch.Identity, storageStatePath string) (playwright.BrowserContext, error) {
	contextOpts := playwright.BrowserNewContextOptions{
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(b.opts.Locale),
		TimezoneId:        playwright.String(b.opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  b.opts.ViewportWidth,
			Height: b.opts.ViewportHeight,
		},
		ExtraHttpHeaders: b.headers(),
	}
	if id.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(id.UserAgent)
	}
	if id.Proxy != nil {
		contextOpts.Proxy = toPlaywrightProxy(id.Proxy)
	}
	if storageStatePath != "" {
		contextOpts.StorageStatePath = playwright.String(storageStatePath)
	}

	ctx, err := b.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	ctx.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	if err := ctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to install stealth script: %w", err)
	}

	return ctx, nil
}

func (b *Browser) headers() map[string]string {
	headers := make(map[string]string, len(b.opts.ExtraHeaders)+1)
	for k, v := range b.opts.ExtraHeaders {
		headers[k] = v
	}
	if b.opts.AcceptLanguage != "" {
		headers["Accept-Language"] = b.opts.AcceptLanguage
	}
	return headers
}

func toPlaywrightProxy(p *fetch.Proxy) *playwright.Proxy {
	proxy := &playwright.Proxy{Server: p.Server}
	if p.Username != "" {
		proxy.Username = playwright.String(p.Username)
	}
	if p.Password != "" {
		proxy.Password = playwright.String(p.Password)
	}
	return proxy
}

func (b *Browser) Close() error {
	var errs []error

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil && b.ownsPW {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}
