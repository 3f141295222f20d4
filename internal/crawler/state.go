package crawler

import (
	"github.com/maltedev/storefront-scraper/internal/antibot"
	"github.com/maltedev/storefront-scraper/internal/gate"
	"github.com/maltedev/storefront-scraper/internal/models"
)

// CrawlState is the mutable state of one run. It is owned by the run loop and
// never shared with extraction workers.
type CrawlState struct {
	RunID  string
	Term   string
	Target int

	Seen     *gate.SeenLinks
	Records  []models.ProductRecord
	Attempts []models.CrawlAttempt

	PagesFetched int
	Verdict      antibot.Verdict

	DebugHTML       string
	DebugScreenshot string
}

func newState(runID, term string, target int) *CrawlState {
	return &CrawlState{
		RunID:  runID,
		Term:   term,
		Target: target,
		Seen:   gate.NewSeenLinks(),
	}
}

func (s *CrawlState) Collected() int {
	return len(s.Records)
}

func (s *CrawlState) Satisfied() bool {
	return s.Collected() >= s.Target
}

func (s *CrawlState) Shortfall() int {
	if s.Satisfied() {
		return 0
	}
	return s.Target - s.Collected()
}

// markBlocked keeps the first blocked verdict seen during the run.
func (s *CrawlState) markBlocked(v antibot.Verdict) {
	if !v.Blocked || s.Verdict.Blocked {
		return
	}
	s.Verdict = v
}

func (s *CrawlState) result() *RunResult {
	return &RunResult{
		RunID:           s.RunID,
		SearchTerm:      s.Term,
		Requested:       s.Target,
		Records:         s.Records,
		Shortfall:       s.Shortfall(),
		PagesFetched:    s.PagesFetched,
		Attempts:        s.Attempts,
		CaptchaDetected: s.Verdict.CaptchaDetected,
		BlockedSignal:   s.Verdict.Signal,
		DebugHTML:       s.DebugHTML,
		DebugScreenshot: s.DebugScreenshot,
	}
}
