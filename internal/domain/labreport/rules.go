package labreport

import (
	"embed"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/unicode/norm"
)

//go:embed rules/*.toml
var rulesFS embed.FS

type synonymFile struct {
	Tests []struct {
		Canonical string   `toml:"canonical"`
		Synonyms  []string `toml:"synonyms"`
	} `toml:"test"`
}

type insightRule struct {
	Test        string   `toml:"test"`
	Status      Status   `toml:"status"`
	Tags        []string `toml:"tags"`
	FamilyTags  []string `toml:"family_tags"`
	WatchItems  []string `toml:"watch_items"`
	Explanation string   `toml:"explanation"`
}

type insightFile struct {
	Rules []insightRule `toml:"rule"`
}

type insightKey struct {
	test   string
	status Status
}

// Process-wide tables, read-only after package initialization.
var (
	synonymTable = mustLoadSynonyms("rules/synonyms.toml")
	insightTable = mustLoadInsights("rules/insights.toml")
)

// lookupKey folds a label for table lookup: NFKC, whitespace collapsed,
// lower case.
func lookupKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(norm.NFKC.String(s)), " "))
}

func parseSynonyms(data []byte) (map[string]string, error) {
	var f synonymFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode synonyms: %w", err)
	}
	table := make(map[string]string)
	add := func(key, canonical string) error {
		if key == "" {
			return fmt.Errorf("empty synonym for %q", canonical)
		}
		if prev, ok := table[key]; ok && prev != canonical {
			return fmt.Errorf("synonym %q maps to both %q and %q", key, prev, canonical)
		}
		table[key] = canonical
		return nil
	}
	for _, t := range f.Tests {
		canonical := strings.TrimSpace(t.Canonical)
		if canonical == "" {
			return nil, fmt.Errorf("synonym entry without canonical name")
		}
		if err := add(lookupKey(canonical), canonical); err != nil {
			return nil, err
		}
		for _, s := range t.Synonyms {
			if err := add(lookupKey(s), canonical); err != nil {
				return nil, err
			}
		}
	}
	return table, nil
}

func parseInsights(data []byte) (map[insightKey]insightRule, error) {
	var f insightFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode insights: %w", err)
	}
	table := make(map[insightKey]insightRule, len(f.Rules))
	for _, r := range f.Rules {
		switch r.Status {
		case StatusLow, StatusNormal, StatusHigh:
		default:
			return nil, fmt.Errorf("insight rule for %q: unknown status %q", r.Test, r.Status)
		}
		k := insightKey{test: r.Test, status: r.Status}
		if _, dup := table[k]; dup {
			return nil, fmt.Errorf("duplicate insight rule for %s/%s", r.Test, r.Status)
		}
		table[k] = r
	}
	return table, nil
}

func mustLoadSynonyms(name string) map[string]string {
	data, err := rulesFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("labreport: read %s: %v", name, err))
	}
	table, err := parseSynonyms(data)
	if err != nil {
		panic(fmt.Sprintf("labreport: %s: %v", name, err))
	}
	return table
}

func mustLoadInsights(name string) map[insightKey]insightRule {
	data, err := rulesFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("labreport: read %s: %v", name, err))
	}
	table, err := parseInsights(data)
	if err != nil {
		panic(fmt.Sprintf("labreport: %s: %v", name, err))
	}
	return table
}
