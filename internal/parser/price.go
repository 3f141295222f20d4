package parser

import (
	"regexp"
	"strconv"
	"strings"
)

const amountPattern = `(\d{1,3}(?:,\d{3})+|\d+)`

var (
	// label, optional currency sign, whole part, optional fraction
	labeledPriceRe = regexp.MustCompile(`(?i)\b(current price|now|sale price|sale|clearance|our price|price)\b\s*:?\s*(\$)?\s*` + amountPattern + `(\.\d{1,2})?`)
	splitPriceRe   = regexp.MustCompile(`\$\s*(\d+)\s+(\d{2})\b`)
	signedPriceRe  = regexp.MustCompile(`\$\s*` + amountPattern + `\.(\d+)`)
	decimalPriceRe = regexp.MustCompile(amountPattern + `\.(\d+)`)
	integerPriceRe = regexp.MustCompile(amountPattern)
	currentLabelRe = regexp.MustCompile(`(?i)\bcurrent price\b`)
	nonDigitRe     = regexp.MustCompile(`\D`)
)

// ParsePrice extracts a price from free-form listing text. Candidates are
// tried in priority order: a labeled price ("Now $9.99", "current price
// $10.29"), a split dollars/cents rendering ("$10 29"), the first
// dollar-marked decimal, any decimal, and finally a bare integer. The bare integer is read as cents only
// when a "current price" label is present. Returns nil when nothing parses.
func ParsePrice(text string) *float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	for _, m := range labeledPriceRe.FindAllStringSubmatch(text, -1) {
		hasSign, fraction := m[2] != "", m[4]
		if !hasSign && fraction == "" {
			continue
		}
		if v, ok := toFloat(m[3] + fraction); ok {
			return &v
		}
	}

	if m := splitPriceRe.FindStringSubmatch(text); m != nil {
		if v, ok := toFloat(m[1] + "." + m[2]); ok {
			return &v
		}
	}

	for _, re := range []*regexp.Regexp{signedPriceRe, decimalPriceRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, ok := toFloat(m[1] + "." + m[2]); ok {
				return &v
			}
		}
	}

	if m := integerPriceRe.FindString(text); m != "" {
		v, ok := toFloat(m)
		if !ok {
			return nil
		}
		if currentLabelRe.MatchString(text) {
			v /= 100
		}
		return &v
	}

	return nil
}

// ParseSplitPrice combines a whole-dollar node and a cents node, as rendered by
// listings that style the two parts separately. cents may be empty.
func ParseSplitPrice(dollars, cents string) *float64 {
	d := nonDigitRe.ReplaceAllString(dollars, "")
	if d == "" {
		return nil
	}
	c := nonDigitRe.ReplaceAllString(cents, "")
	if len(c) > 2 {
		c = c[:2]
	}
	for len(c) < 2 {
		c += "0"
	}
	v, ok := toFloat(d + "." + c)
	if !ok {
		return nil
	}
	return &v
}

func toFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
