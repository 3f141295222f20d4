package antibot

import (
	"strings"
)

// DefaultSignals are case-insensitive markers seen on challenge and block pages.
var DefaultSignals = []string{
	"robot or human",
	"are you a robot",
	"please verify",
	"verify you are human",
	"press & hold",
	"challenge",
	"/blocked?url=",
	"px-cloud",
	"captcha",
	"access denied",
}

// Verdict is the advisory result of inspecting a page. It never changes crawl
// control flow; callers surface it as a flag on the response.
type Verdict struct {
	Blocked         bool   `json:"blocked"`
	CaptchaDetected bool   `json:"captcha_detected"`
	Signal          string `json:"signal,omitempty"`
}

// Detector flags pages that look like bot challenges rather than listings.
type Detector struct {
	signals []string
}

// NewDetector creates a detector. With no signals, DefaultSignals are used.
func NewDetector(signals ...string) *Detector {
	if len(signals) == 0 {
		signals = DefaultSignals
	}
	normalized := make([]string, 0, len(signals))
	for _, s := range signals {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			normalized = append(normalized, s)
		}
	}
	return &Detector{signals: normalized}
}

// Inspect matches the page against the signal list and reports the first hit.
func (d *Detector) Inspect(html string) Verdict {
	if html == "" {
		return Verdict{}
	}
	lower := strings.ToLower(html)
	for _, s := range d.signals {
		if strings.Contains(lower, s) {
			return Verdict{Blocked: true, CaptchaDetected: true, Signal: s}
		}
	}
	return Verdict{}
}

// IsBlocked reports whether the page carries any challenge signal.
func (d *Detector) IsBlocked(html string) bool {
	return d.Inspect(html).Blocked
}
