package labreport

import "strings"

// Lookup returns the canonical name for a raw test label. Matching is exact
// after case folding and whitespace trimming; there is no fuzzy matching.
func Lookup(raw string) (string, bool) {
	canonical, ok := synonymTable[lookupKey(raw)]
	return canonical, ok
}

// Normalize returns the canonical name for raw, or the trimmed raw label with
// its original casing when no synonym matches. Normalize is idempotent.
func Normalize(raw string) string {
	if canonical, ok := Lookup(raw); ok {
		return canonical
	}
	return strings.TrimSpace(raw)
}

// CanonicalNames returns every canonical test name in the synonym table.
func CanonicalNames() []string {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, c := range synonymTable {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		names = append(names, c)
	}
	return names
}
