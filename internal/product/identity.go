package product

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	idPattern    = regexp.MustCompile(`p(\d+)$`)
	sizePattern  = regexp.MustCompile(`(?i)^(uk|eu)(\d+)$`)
	pricePattern = regexp.MustCompile(`[^\d.]`)
	rangePattern = regexp.MustCompile(`\s*-\s*`)
)

// NormalizeURL strips the query string and any trailing slash so that
// two links to the same product collapse to one canonical form.
func NormalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	return fmt.Sprintf("%s://%s%s", parsed.Scheme, parsed.Host, path)
}

// Identity derives the deterministic product key from a URL: the
// trailing numeric id segment of the normalized form. Extraction
// failure means the product never enters state.
func Identity(raw string) (string, error) {
	normalized := NormalizeURL(raw)
	match := idPattern.FindStringSubmatch(normalized)
	if match == nil {
		return "", fmt.Errorf("no product id in url: %s", raw)
	}
	return match[1], nil
}

// NormalizeSize canonicalizes a size label ("UK8" -> "UK 8")
func NormalizeSize(size string) string {
	size = strings.TrimSpace(size)
	return sizePattern.ReplaceAllString(size, "$1 $2")
}

// CleanPrice parses a display price like "£12.50" or "£10 - £20" into a
// float. Ranges keep their first value. Returns nil when no number is left.
func CleanPrice(text string) *float64 {
	if text == "" {
		return nil
	}
	parts := rangePattern.Split(text, 2)
	cleaned := pricePattern.ReplaceAllString(parts[0], "")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}
