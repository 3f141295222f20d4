package parser

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	c := MustCanonicalizer("https://www.example.com")

	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "relative product path", raw: "/ip/123", expected: "https://www.example.com/ip/123"},
		{name: "tracking redirect parameter", raw: "/sp/track?rd=%2Fip%2F123", expected: "https://www.example.com/ip/123"},
		{name: "absolute redirect target", raw: "https://wrd.example.com/track?u=https%3A%2F%2Fwww.example.com%2Fip%2F9", expected: "https://www.example.com/ip/9"},
		{name: "embedded product path", raw: "/sp/track/abc/ip/555?pos=2", expected: "https://www.example.com/ip/555"},
		{name: "absolute product link unchanged", raw: "https://www.example.com/ip/Wallet/42?athbdg=L1600", expected: "https://www.example.com/ip/Wallet/42?athbdg=L1600"},
		{name: "non-product link resolved", raw: "/browse/wallets", expected: "https://www.example.com/browse/wallets"},
		{name: "empty", raw: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.Canonicalize(tt.raw))
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	c := MustCanonicalizer("https://www.example.com/")

	for _, raw := range []string{"/ip/123", "/sp/track?rd=%2Fip%2F123", "/sp/x/ip/7", "/cp/wallets/1"} {
		once := c.Canonicalize(raw)
		assert.Equal(t, once, c.Canonicalize(once), raw)
	}
}

func TestNewCanonicalizer(t *testing.T) {
	_, err := NewCanonicalizer("/relative")
	assert.Error(t, err)

	c, err := NewCanonicalizer("https://shop.example.org")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.org", c.Origin())

	custom := c.WithProductPath(regexp.MustCompile(`/product/\d+`))
	assert.Equal(t, "https://shop.example.org/product/9", custom.Canonicalize("/go?rd=%2Fproduct%2F9"))
}
