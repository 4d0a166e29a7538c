package labreport

import (
	"regexp"
	"strings"
)

var (
	statusLowRe    = regexp.MustCompile(`(?i)low`)
	statusHighRe   = regexp.MustCompile(`(?i)high`)
	statusNormalRe = regexp.MustCompile(`(?i)normal`)

	rangeRe = regexp.MustCompile(`^\s*(\d+(?:[.,]\d+)?)\s*(?:-|–|—|to)\s*(\d+(?:[.,]\d+)?)`)
)

// Range is a closed reference interval.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies in the range, bounds included.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ParseRange parses "min - max" (also "min–max" and "min to max"). Ranges
// with min greater than max are rejected.
func ParseRange(text string) (Range, bool) {
	m := rangeRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Range{}, false
	}
	lo := parseNumber(m[1])
	hi := parseNumber(m[2])
	if lo == nil || hi == nil || *lo > *hi {
		return Range{}, false
	}
	return Range{Min: *lo, Max: *hi}, true
}

// Classify decides the status of value. An explicit status token wins over
// the range; with neither a token nor a parseable range the result is normal.
func Classify(value float64, statusText, rangeText string) Status {
	if s, ok := explicitStatus(statusText); ok {
		return s
	}
	if r, ok := ParseRange(rangeText); ok {
		switch {
		case value < r.Min:
			return StatusLow
		case value > r.Max:
			return StatusHigh
		default:
			return StatusNormal
		}
	}
	return StatusNormal
}

func explicitStatus(text string) (Status, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	switch {
	case statusLowRe.MatchString(text):
		return StatusLow, true
	case statusHighRe.MatchString(text):
		return StatusHigh, true
	case statusNormalRe.MatchString(text):
		return StatusNormal, true
	}
	return "", false
}
