package labreport

// Insight is the rule-based commentary attached to a result.
type Insight struct {
	Tags        []string `json:"tags"`
	FamilyTags  []string `json:"familyTags"`
	WatchItems  []string `json:"watchItems"`
	Explanation string   `json:"explanation,omitempty"`
}

// GenerateInsights looks up the rule for a canonical test and status. Unknown
// pairs produce empty, non-nil collections. The returned slices are fresh
// copies, so callers may modify them.
func GenerateInsights(canonicalName string, status Status) Insight {
	r, ok := insightTable[insightKey{test: canonicalName, status: status}]
	if !ok {
		return Insight{Tags: []string{}, FamilyTags: []string{}, WatchItems: []string{}}
	}
	return Insight{
		Tags:        cloneStrings(r.Tags),
		FamilyTags:  cloneStrings(r.FamilyTags),
		WatchItems:  cloneStrings(r.WatchItems),
		Explanation: r.Explanation,
	}
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
