package labreport

import (
	"context"
	"math"
)

// trendThreshold is the relative change below which a value counts as
// stable. When the prior value is zero it applies as an absolute delta.
const trendThreshold = 0.05

// HistoryProvider supplies prior values per canonical test for one owner.
// Values from excludeDocumentID are left out so re-processing a document
// does not compare it with itself.
type HistoryProvider interface {
	History(ctx context.Context, ownerID string, testNames []string, excludeDocumentID string) (map[string][]HistoryPoint, error)
}

// TrendBetween compares current with prior.
func TrendBetween(prior, current float64) TrendDirection {
	delta := current - prior
	limit := math.Abs(prior) * trendThreshold
	if prior == 0 {
		limit = trendThreshold
	}
	switch {
	case delta > limit:
		return TrendUp
	case delta < -limit:
		return TrendDown
	default:
		return TrendStable
	}
}

// ApplyTrends returns a copy of results with TrendDirection set from history,
// keyed by canonical test name. The latest point collected strictly before a
// result's collection date is the comparison base. Results without such a
// point are stable.
func ApplyTrends(results []LabResult, history map[string][]HistoryPoint) []LabResult {
	out := make([]LabResult, len(results))
	copy(out, results)
	for i := range out {
		out[i].TrendDirection = TrendStable
		prior, ok := latestBefore(history[out[i].NormalizedTestName], out[i])
		if !ok {
			continue
		}
		out[i].TrendDirection = TrendBetween(prior.Value, out[i].Value)
	}
	return out
}

func latestBefore(points []HistoryPoint, r LabResult) (HistoryPoint, bool) {
	var (
		best  HistoryPoint
		found bool
	)
	for _, p := range points {
		if !p.CollectedAt.Before(r.CollectionDate) {
			continue
		}
		if !found || !p.CollectedAt.Before(best.CollectedAt) {
			best = p
			found = true
		}
	}
	return best, found
}
