package labreport

import (
	"time"

	"github.com/ehr/labintel/internal/platform/telemetry"
)

// Metrics counts processed batches. Only counts and durations are recorded;
// test names and values never become label values.
type Metrics struct {
	documents     *telemetry.CounterVec
	skipped       *telemetry.CounterVec
	results       *telemetry.CounterVec
	discarded     *telemetry.CounterVec
	batchDuration *telemetry.Histogram
}

// NewMetrics registers the pipeline metrics on reg.
func NewMetrics(reg *telemetry.Registry) *Metrics {
	return &Metrics{
		documents:     reg.NewCounterVec("labintel_documents_total", "Documents assembled, by OCR mode of their batch.", "ocr_mode"),
		skipped:       reg.NewCounterVec("labintel_files_skipped_total", "Uploaded files that produced no document, by reason.", "reason"),
		results:       reg.NewCounterVec("labintel_lab_results_total", "Lab results assembled, by status.", "status"),
		discarded:     reg.NewCounterVec("labintel_candidates_discarded_total", "Extraction candidates dropped during assembly.", ""),
		batchDuration: reg.NewHistogram("labintel_batch_duration_seconds", "Time to process one upload batch.", nil),
	}
}

func (m *Metrics) observeBatch(b *Batch, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(elapsed.Seconds())
	m.documents.Add(b.OCRMode, int64(len(b.Documents)))
	for _, s := range b.Skipped {
		m.skipped.Inc(s.Reason)
	}
	for _, d := range b.Documents {
		m.discarded.Add("", int64(d.DiscardedCandidates))
		for _, r := range d.LabResults {
			m.results.Inc(string(r.Status))
		}
	}
}
