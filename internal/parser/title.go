package parser

import (
	"regexp"
	"strings"
)

// UnknownTitle is returned when no usable title line survives cleaning.
const UnknownTitle = "Unknown Item"

var (
	priceLineRe     = regexp.MustCompile(`(?i)^(?:current price|now|was|from|sale|clearance|options from|price)?\s*:?\s*\$?\s*\d[\d,]*(?:\.\d+)?\s*(?:/\w+)?$`)
	inlinePriceRe   = regexp.MustCompile(`(?i)(?:current price|now|was)?\s*\$\s*\d[\d,]*(?:\.\d+)?`)
	trailingPriceRe = regexp.MustCompile(`\s*\$?\s*\d[\d,]*(?:\.\d+)?\s*$`)
	spaceRe         = regexp.MustCompile(`\s+`)
)

var noiseLinePrefixes = []string{
	"sponsored",
	"add to cart",
	"options",
	"pickup",
	"delivery",
	"shipping",
	"free shipping",
	"arrives",
	"in stock",
	"out of stock",
	"best seller",
	"rollback",
	"reduced price",
	"save with",
	"more options",
	"see options",
}

// CleanTitle turns raw multi-line card text into a product title. Blank lines,
// price fragments and badge/fulfillment noise are skipped; the first surviving
// line wins. If nothing survives, the first raw line with trailing currency
// stripped is used, and UnknownTitle when that is empty too.
func CleanTitle(raw string) string {
	lines := strings.Split(raw, "\n")

	for _, line := range lines {
		line = collapse(line)
		if line == "" || priceLineRe.MatchString(line) || isNoiseLine(line) {
			continue
		}
		if cleaned := collapse(inlinePriceRe.ReplaceAllString(line, " ")); cleaned != "" {
			return cleaned
		}
	}

	for _, line := range lines {
		line = collapse(line)
		if line == "" {
			continue
		}
		if fallback := collapse(trailingPriceRe.ReplaceAllString(line, "")); fallback != "" {
			return fallback
		}
		break
	}

	return UnknownTitle
}

func isNoiseLine(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range noiseLinePrefixes {
		if lower == prefix || strings.HasPrefix(lower, prefix+" ") || strings.HasPrefix(lower, prefix+",") {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
