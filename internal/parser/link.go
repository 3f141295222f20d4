package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultProductPath matches the product-page path segment of a listing link.
var DefaultProductPath = regexp.MustCompile(`/ip/[^?#&\s"']+`)

var redirectParams = []string{"rd", "redirect", "redirect_url", "u", "url", "target"}

// Canonicalizer resolves listing links against the site origin and unwraps
// tracking redirects so that one product always maps to one URL.
type Canonicalizer struct {
	origin      *url.URL
	productPath *regexp.Regexp
}

// NewCanonicalizer builds a canonicalizer for the given site origin, e.g.
// "https://www.example.com".
func NewCanonicalizer(origin string) (*Canonicalizer, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %q", origin)
	}
	return &Canonicalizer{origin: u, productPath: DefaultProductPath}, nil
}

// MustCanonicalizer is NewCanonicalizer for static origins.
func MustCanonicalizer(origin string) *Canonicalizer {
	c, err := NewCanonicalizer(origin)
	if err != nil {
		panic(err)
	}
	return c
}

// WithProductPath overrides the product path pattern used to unwrap embedded links.
func (c *Canonicalizer) WithProductPath(re *regexp.Regexp) *Canonicalizer {
	cp := *c
	cp.productPath = re
	return &cp
}

// Origin returns the site origin.
func (c *Canonicalizer) Origin() string {
	return c.origin.String()
}

// Canonicalize returns an absolute link. Relative links are resolved against
// the origin; tracking wrappers are unwrapped through a redirect parameter or
// an embedded product path. Anything else is returned unchanged. Applying it
// twice yields the same result.
func (c *Canonicalizer) Canonicalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		if m := c.productPath.FindString(raw); m != "" {
			return c.resolve(m)
		}
		return raw
	}

	if c.productPath.MatchString(u.Path) && strings.HasPrefix(u.Path, c.productPath.FindString(u.Path)) {
		return c.origin.ResolveReference(u).String()
	}

	q := u.Query()
	for _, p := range redirectParams {
		target := q.Get(p)
		if target == "" {
			continue
		}
		if strings.HasPrefix(target, "/") || strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return c.resolve(target)
		}
	}

	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	if m := c.productPath.FindString(decoded); m != "" {
		return c.resolve(m)
	}

	return c.origin.ResolveReference(u).String()
}

func (c *Canonicalizer) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.origin.ResolveReference(u).String()
}

// Resolve makes a reference absolute against the origin without unwrapping.
// Used for asset URLs such as images.
func (c *Canonicalizer) Resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return c.resolve(raw)
}
