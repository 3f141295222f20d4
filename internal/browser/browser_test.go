package browser

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 1920, opts.ViewportWidth)
	assert.Equal(t, 1080, opts.ViewportHeight)
	assert.Equal(t, "en-US", opts.Locale)
	assert.False(t, opts.PerContextProxy)
}

func TestLaunchArgs(t *testing.T) {
	args := launchArgs(Options{ViewportWidth: 1280, ViewportHeight: 800})

	assert.Contains(t, args, "--disable-blink-features=AutomationControlled")
	assert.Contains(t, args, "--window-size=1280,800")
}

func TestToPlaywrightProxy(t *testing.T) {
	p := toPlaywrightProxy(&fetch.Proxy{Server: "http://10.0.0.1:8080", Username: "u", Password: "p"})
	require.NotNil(t, p.Username)
	require.NotNil(t, p.Password)
	assert.Equal(t, "http://10.0.0.1:8080", p.Server)
	assert.Equal(t, "u", *p.Username)
	assert.Equal(t, "p", *p.Password)

	anon := toPlaywrightProxy(&fetch.Proxy{Server: "http://10.0.0.1:8080"})
	assert.Nil(t, anon.Username)
	assert.Nil(t, anon.Password)
}

func TestRunSteps(t *testing.T) {
	logger := slog.Default()

	record := func(trace *[]string, name string, err error) Step {
		return Step{
			Name:    name,
			Timeout: time.Second,
			Run: func(context.Context, playwright.Page, time.Duration) error {
				*trace = append(*trace, name)
				return err
			},
		}
	}

	t.Run("runs steps in order", func(t *testing.T) {
		var trace []string
		err := runSteps(context.Background(), nil, []Step{
			record(&trace, "a", nil),
			record(&trace, "b", nil),
			record(&trace, "c", nil),
		}, logger)

		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, trace)
	})

	t.Run("optional failure is skipped", func(t *testing.T) {
		var trace []string
		optional := record(&trace, "scroll", errors.New("boom"))
		optional.Optional = true

		err := runSteps(context.Background(), nil, []Step{optional, record(&trace, "settle", nil)}, logger)

		require.NoError(t, err)
		assert.Equal(t, []string{"scroll", "settle"}, trace)
	})

	t.Run("required failure stops the list", func(t *testing.T) {
		var trace []string
		err := runSteps(context.Background(), nil, []Step{
			record(&trace, "navigate", errors.New("net::ERR_NAME_NOT_RESOLVED")),
			record(&trace, "wait", nil),
		}, logger)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "navigate")
		assert.Equal(t, []string{"navigate"}, trace)
	})

	t.Run("playwright timeout maps to fetch timeout", func(t *testing.T) {
		var trace []string
		err := runSteps(context.Background(), nil, []Step{record(&trace, "navigate", playwright.ErrTimeout)}, logger)

		assert.ErrorIs(t, err, fetch.ErrTimeout)
	})

	t.Run("missing signal is reported as such", func(t *testing.T) {
		var trace []string
		err := runSteps(context.Background(), nil, []Step{
			record(&trace, "wait_for_signal", errNoSignal),
			record(&trace, "scroll", nil),
		}, logger)

		assert.ErrorIs(t, err, errNoSignal)
		assert.Equal(t, []string{"wait_for_signal"}, trace)
	})

	t.Run("step timeout is clamped to the context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		var got time.Duration
		err := runSteps(ctx, nil, []Step{{
			Name:    "wait",
			Timeout: time.Minute,
			Run: func(_ context.Context, _ playwright.Page, timeout time.Duration) error {
				got = timeout
				return nil
			},
		}}, logger)

		require.NoError(t, err)
		assert.LessOrEqual(t, got, 200*time.Millisecond)
	})

	t.Run("cancelled context times out before running", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var trace []string
		err := runSteps(ctx, nil, []Step{record(&trace, "navigate", nil)}, logger)

		assert.ErrorIs(t, err, fetch.ErrTimeout)
		assert.Empty(t, trace)
	})
}

func TestSettleStep(t *testing.T) {
	step := settleStep(20 * time.Millisecond)
	assert.True(t, step.Optional)

	start := time.Now()
	require.NoError(t, step.Run(context.Background(), nil, step.Timeout))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestFetcherSteps(t *testing.T) {
	f := &Fetcher{browser: &Browser{opts: *DefaultOptions()}}
	status := 0

	names := func(steps []Step) []string {
		var out []string
		for _, s := range steps {
			out = append(out, s.Name)
		}
		return out
	}

	listing := f.steps(fetch.Request{URL: "https://www.example.com/search?q=x", Scroll: true, Settle: time.Second}, &status)
	assert.Equal(t, []string{"navigate", "wait_for_signal", "humanize", "scroll", "settle"}, names(listing))

	assist := f.steps(fetch.Request{URL: "https://www.example.com/search?q=x", Headed: true}, &status)
	assert.Equal(t, []string{"navigate", "wait_for_signal"}, names(assist))
}
