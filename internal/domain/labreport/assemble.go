package labreport

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AssembleOptions carries per-document values applied to every result.
type AssembleOptions struct {
	CollectionDate time.Time
}

// Assembly is the outcome of assembling one document's candidates.
type Assembly struct {
	Results []LabResult
	// Discarded counts candidates dropped because their value did not parse.
	Discarded int
	// Duplicates counts candidates collapsed into another candidate for the
	// same line and test.
	Duplicates int
}

type dedupKey struct {
	line int
	name string
}

type slot struct {
	best         RawCandidate
	canonical    string
	normalized   bool
	firstPattern int
}

// completeness scores how much of a candidate was captured.
func completeness(c RawCandidate) int {
	score := 0
	if c.RawUnit != "" {
		score++
	}
	if c.RawRangeText != "" {
		score++
	}
	if c.RawStatusText != "" {
		score++
	}
	return score
}

// Assemble turns candidates into ordered, de-duplicated results with ids
// "{docID}-{ordinal}". Identical input always yields identical output.
func Assemble(docID string, candidates []RawCandidate, opts AssembleOptions) Assembly {
	var a Assembly
	slots := make(map[dedupKey]*slot)
	order := make([]dedupKey, 0, len(candidates))

	for _, c := range candidates {
		if c.Value == nil {
			a.Discarded++
			continue
		}
		canonical, ok := Lookup(c.RawName)
		if !ok {
			canonical = strings.TrimSpace(c.RawName)
		}
		k := dedupKey{line: c.LineOffset, name: canonical}
		s, exists := slots[k]
		if !exists {
			slots[k] = &slot{best: c, canonical: canonical, normalized: ok, firstPattern: c.Pattern}
			order = append(order, k)
			continue
		}
		a.Duplicates++
		if c.Pattern < s.firstPattern {
			s.firstPattern = c.Pattern
		}
		cs, bs := completeness(c), completeness(s.best)
		if cs > bs || (cs == bs && c.Pattern < s.best.Pattern) {
			s.best = c
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		si, sj := slots[order[i]], slots[order[j]]
		if order[i].line != order[j].line {
			return order[i].line < order[j].line
		}
		return si.firstPattern < sj.firstPattern
	})

	a.Results = make([]LabResult, 0, len(order))
	for i, k := range order {
		s := slots[k]
		a.Results = append(a.Results, buildResult(docID, i+1, s, opts))
	}
	return a
}

func buildResult(docID string, ordinal int, s *slot, opts AssembleOptions) LabResult {
	c := s.best
	value := *c.Value
	status := Classify(value, c.RawStatusText, c.RawRangeText)
	insight := GenerateInsights(s.canonical, status)
	return LabResult{
		ID:                 fmt.Sprintf("%s-%d", docID, ordinal),
		TestName:           c.RawName,
		NormalizedTestName: s.canonical,
		Normalized:         s.normalized,
		Value:              value,
		Unit:               c.RawUnit,
		ReferenceRange:     c.RawRangeText,
		Status:             status,
		CollectionDate:     opts.CollectionDate,
		SourceDocumentID:   docID,
		TrendDirection:     TrendStable,
		InsightTags:        insight.Tags,
		FamilyContextTags:  insight.FamilyTags,
		WatchItems:         insight.WatchItems,
		Explanation:        insight.Explanation,
	}
}
