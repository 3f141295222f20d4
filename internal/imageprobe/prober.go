// Package imageprobe looks up the size of product images without downloading them.
package imageprobe

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 5 * time.Second

type Prober struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

func New(timeout time.Duration, userAgent string, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger.With("component", "image_probe"),
	}
}

// SizeKB issues a HEAD request and returns Content-Length in whole KB. Any
// failure or missing length yields 0.
func (p *Prober) SizeKB(ctx context.Context, url string) int {
	if url == "" {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("image probe failed", "url", url, "error", err)
		return 0
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest || resp.ContentLength <= 0 {
		return 0
	}
	return int(resp.ContentLength / 1024)
}

// Sizes probes every URL and returns sizes keyed by URL.
func (p *Prober) Sizes(ctx context.Context, urls []string) map[string]int {
	sizes := make(map[string]int, len(urls))
	for _, u := range urls {
		if _, ok := sizes[u]; ok {
			continue
		}
		sizes[u] = p.SizeKB(ctx, u)
	}
	return sizes
}
