package labreport

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Extraction building blocks. Names cannot contain parentheses or colons so
// the range and separator stay unambiguous. Values end on a digit so trailing
// punctuation is left to lineEnd. Units may start with a slash ("/uL").
const (
	namePart   = `(?P<name>[A-Za-z][A-Za-z0-9 .,/%'&+-]*?)`
	valuePart  = `(?P<value>[<>]?\s*\d(?:[\d.,]*\d)?)`
	unitPart   = `(?P<unit>(?:/[A-Za-zµμ]|[A-Za-zµμ%])[^\s()]*|\d+[\^*]\d+/[A-Za-zµμ]+)`
	rangeNum   = `\d+(?:[.,]\d+)?`
	rangePart  = `(?P<range>` + rangeNum + `\s*(?:-|–|to)\s*` + rangeNum + `)`
	statusPart = `(?P<status>[A-Za-z]+)`
	lineEnd    = `(?:[\s;,.]|$)`
)

type extractionPattern struct {
	name string
	re   *regexp.Regexp
}

// extractionPatterns is ordered by priority. A line may match several of
// them; every match becomes a candidate.
var extractionPatterns = []extractionPattern{
	{
		name: "colon",
		re: regexp.MustCompile(`^` + namePart + `\s*:\s*` + valuePart +
			`(?:\s*` + unitPart + `)?(?:\s*\(\s*` + rangePart + `\s*\))?` + lineEnd),
	},
	{
		name: "spaced",
		re: regexp.MustCompile(`^` + namePart + `\s+` + valuePart +
			`(?:\s*` + unitPart + `)?\s+\(?\s*` + rangePart + `\s*\)?` + lineEnd),
	},
	{
		name: "flagged",
		re: regexp.MustCompile(`^` + namePart + `(?:\s*:\s*|\s+)` + valuePart +
			`(?:\s*` + unitPart + `)?\s*\(\s*` + rangePart + `\s*\)\s*` + statusPart + `\b`),
	},
}

// metadataLabels are header fields that look like "label: number" but are
// never analytes.
var metadataLabels = map[string]struct{}{
	"age": {}, "page": {}, "date": {}, "dob": {}, "date of birth": {},
	"collected": {}, "received": {}, "reported": {}, "printed": {},
	"phone": {}, "tel": {}, "fax": {}, "mrn": {}, "patient id": {},
	"account": {}, "accession": {}, "specimen id": {}, "order": {},
	"order number": {}, "zip": {}, "room": {}, "bed": {},
}

// ExtractCandidates scans text line by line and returns every pattern match
// in source order. Duplicates for the same line are kept.
func ExtractCandidates(text string) []RawCandidate {
	var out []RawCandidate
	for offset, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for idx, p := range extractionPatterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			c := RawCandidate{
				RawName:    cleanName(group(p.re, m, "name")),
				LineOffset: offset,
				Pattern:    idx,
			}
			if c.RawName == "" || isMetadataLabel(c.RawName) {
				continue
			}
			c.RawValueText = strings.TrimSpace(group(p.re, m, "value"))
			c.Value = parseNumber(c.RawValueText)
			c.RawUnit = strings.TrimRight(group(p.re, m, "unit"), ".,;")
			c.RawRangeText = strings.TrimSpace(group(p.re, m, "range"))
			c.RawStatusText = group(p.re, m, "status")
			out = append(out, c)
		}
	}
	return out
}

func group(re *regexp.Regexp, m []string, name string) string {
	i := re.SubexpIndex(name)
	if i < 0 || i >= len(m) {
		return ""
	}
	return m[i]
}

func cleanName(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), " .,-/")
}

func isMetadataLabel(name string) bool {
	_, ok := metadataLabels[lookupKey(name)]
	return ok
}

var thousandsRe = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)

// parseNumber reads a lab value. A leading comparator is dropped. Commas
// grouping digits in threes are thousands separators; a single other comma
// is a decimal comma. Non-finite or malformed input yields nil.
func parseNumber(text string) *float64 {
	s := strings.TrimSpace(text)
	s = strings.TrimSpace(strings.TrimLeft(s, "<>"))
	if s == "" {
		return nil
	}
	switch {
	case thousandsRe.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ",") == 1 && !strings.Contains(s, "."):
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

var (
	collectionLabelRe = regexp.MustCompile(`(?i)\b(?:date\s+collected|collection\s+date|date\s+of\s+collection|specimen\s+date|sample\s+date|collected(?:\s+on)?)\b\s*[:\-]?\s*(.+)$`)
	dateTokenRe       = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{4}/\d{2}/\d{2}|\d{1,2}/\d{1,2}/\d{4}|\d{1,2}-[A-Za-z]{3}-\d{4}|[A-Za-z]{3,9}\.?\s+\d{1,2},?\s+\d{4}|\d{1,2}\s+[A-Za-z]{3,9}\s+\d{4}`)
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2 January 2006",
}

// ExtractCollectionDate finds the first labelled collection date in text.
// Slash dates are read month first.
func ExtractCollectionDate(text string) (time.Time, bool) {
	for _, line := range strings.Split(text, "\n") {
		m := collectionLabelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		token := dateTokenRe.FindString(m[1])
		if token == "" {
			continue
		}
		token = strings.Join(strings.Fields(strings.Replace(token, ".", "", 1)), " ")
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, token); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
