package ocr

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Cleaner normalizes raw OCR output before it is parsed. It keeps one line
// per text row so line positions stay meaningful to the extractor.
type Cleaner struct {
	rePunctOnlyLine *regexp.Regexp
	reMultiSpace    *regexp.Regexp
	charReplacer    *strings.Replacer
}

// NewCleaner creates a Cleaner with its expressions precompiled.
func NewCleaner() *Cleaner {
	return &Cleaner{
		rePunctOnlyLine: regexp.MustCompile(`^[\p{P}\p{S}\s]+$`),
		reMultiSpace:    regexp.MustCompile(`[ \t\x{00A0}]{2,}`),
		charReplacer: strings.NewReplacer(
			"ﬁ", "fi",
			"ﬂ", "fl",
			"ﬀ", "ff",
			"ﬃ", "ffi",
			"ﬄ", "ffl",
			// Dash variants collapse to a hyphen so "70–99" reads as a range.
			"—", "-",
			"–", "-",
			"‒", "-",
			"−", "-",
			"…", "...",
			"\t", " ",
			"\r\n", "\n",
			"\r", "\n",
		),
	}
}

// Clean applies character replacements, Unicode compatibility folding and
// per-line whitespace cleanup. Blank and punctuation-only lines are dropped.
func (c *Cleaner) Clean(input string) string {
	if input == "" {
		return input
	}

	text := norm.NFKC.String(input)
	text = c.charReplacer.Replace(text)

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(c.reMultiSpace.ReplaceAllString(line, " "))
		if line == "" || c.rePunctOnlyLine.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
