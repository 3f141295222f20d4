package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/playwright-community/playwright-go"
)

// errNoSignal reports that none of the awaited selectors appeared in time.
var errNoSignal = errors.New("no extractable signal")

// Step is one named, time-bounded operation against a page. Steps run in
// order; an optional step's failure is logged and skipped.
type Step struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Run      func(ctx context.Context, page playwright.Page, timeout time.Duration) error
}

func runSteps(ctx context.Context, page playwright.Page, steps []Step, logger *slog.Logger) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: before %s: %v", fetch.ErrTimeout, step.Name, err)
		}

		timeout := step.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			return fmt.Errorf("%w: no time left for %s", fetch.ErrTimeout, step.Name)
		}

		start := time.Now()
		err := step.Run(ctx, page, timeout)
		logger.Debug("page step finished", "step", step.Name, "duration", time.Since(start), "error", err)
		if err == nil {
			continue
		}

		if errors.Is(err, errNoSignal) {
			return err
		}
		if errors.Is(err, playwright.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s: %v", fetch.ErrTimeout, step.Name, err)
		}
		if step.Optional {
			logger.Warn("optional page step failed", "step", step.Name, "error", err)
			continue
		}
		return fmt.Errorf("step %s failed: %w", step.Name, err)
	}
	return nil
}

func millis(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

func navigateStep(url string, timeout time.Duration, status *int) Step {
	return Step{
		Name:    "navigate",
		Timeout: timeout,
		Run: func(_ context.Context, page playwright.Page, timeout time.Duration) error {
			resp, err := page.Goto(url, playwright.PageGotoOptions{
				WaitUntil: playwright.WaitUntilStateDomcontentloaded,
				Timeout:   millis(timeout),
			})
			if err != nil {
				return err
			}
			if resp != nil {
				*status = resp.Status()
			}
			return nil
		},
	}
}

// waitForAnyStep waits until any selector is attached. Script tags are never
// visible, so attachment is the condition.
func waitForAnyStep(selectors []string, timeout time.Duration) Step {
	return Step{
		Name:    "wait_for_signal",
		Timeout: timeout,
		Run: func(_ context.Context, page playwright.Page, timeout time.Duration) error {
			if len(selectors) == 0 {
				return nil
			}
			err := page.Locator(strings.Join(selectors, ", ")).First().WaitFor(playwright.LocatorWaitForOptions{
				State:   playwright.WaitForSelectorStateAttached,
				Timeout: millis(timeout),
			})
			if errors.Is(err, playwright.ErrTimeout) {
				return errNoSignal
			}
			return err
		},
	}
}

func scrollStep() Step {
	return Step{
		Name:     "scroll",
		Timeout:  5 * time.Second,
		Optional: true,
		Run: func(_ context.Context, page playwright.Page, _ time.Duration) error {
			_, err := page.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`)
			return err
		},
	}
}

// humanizeStep moves the mouse a few times and nudges the scroll position.
func humanizeStep() Step {
	return Step{
		Name:     "humanize",
		Timeout:  5 * time.Second,
		Optional: true,
		Run: func(ctx context.Context, page playwright.Page, _ time.Duration) error {
			for i := 0; i < 3; i++ {
				if err := page.Mouse().Move(float64(100+i*200), float64(100+i*150)); err != nil {
					return err
				}
				if err := sleep(ctx, time.Duration(200+i*100)*time.Millisecond); err != nil {
					return err
				}
			}
			_, err := page.Evaluate(`window.scrollBy(0, Math.random() * 300)`)
			return err
		},
	}
}

func settleStep(d time.Duration) Step {
	return Step{
		Name:     "settle",
		Timeout:  d + time.Second,
		Optional: true,
		Run: func(ctx context.Context, _ playwright.Page, timeout time.Duration) error {
			wait := d
			if timeout < wait {
				wait = timeout
			}
			return sleep(ctx, wait)
		},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
