package antibot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetector_Inspect(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name    string
		html    string
		blocked bool
		signal  string
	}{
		{name: "robot prompt", html: "<html><body><h1>Are you a robot?</h1></body></html>", blocked: true, signal: "are you a robot"},
		{name: "press and hold", html: "<p>Press & Hold to confirm you are a human</p>", blocked: true, signal: "press & hold"},
		{name: "block redirect", html: `<a href="/blocked?url=L3NlYXJjaA==">`, blocked: true, signal: "/blocked?url="},
		{name: "perimeter script", html: `<script src="https://client.px-cloud.net/main.min.js"></script>`, blocked: true, signal: "px-cloud"},
		{name: "normal listing", html: `<div data-item-id="1"><span>Leather Wallet</span></div>`, blocked: false},
		{name: "empty page", html: "", blocked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := d.Inspect(tt.html)
			assert.Equal(t, tt.blocked, v.Blocked)
			assert.Equal(t, tt.blocked, v.CaptchaDetected)
			assert.Equal(t, tt.signal, v.Signal)
			assert.Equal(t, tt.blocked, d.IsBlocked(tt.html))
		})
	}
}

func TestNewDetector_CustomSignals(t *testing.T) {
	d := NewDetector("  Unusual Traffic ", "")

	assert.True(t, d.IsBlocked("We detected unusual traffic from your network"))
	assert.False(t, d.IsBlocked("are you a robot"))
}
