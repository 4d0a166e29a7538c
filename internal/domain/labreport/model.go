package labreport

import (
	"time"
)

// Status is the classification of a value against its reference range.
type Status string

const (
	StatusLow    Status = "low"
	StatusNormal Status = "normal"
	StatusHigh   Status = "high"
)

// Abnormal reports whether the status is outside the normal range.
func (s Status) Abnormal() bool {
	return s == StatusLow || s == StatusHigh
}

// TrendDirection compares a result with the caller's prior value for the same
// test.
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// OCR mode reported on a batch.
const (
	OCRModeReal     = "real"
	OCRModeFallback = "fallback"
)

// LabResult is one structured, classified value read from a document. It is
// immutable once assembled; re-processing a document replaces the whole set.
type LabResult struct {
	ID                 string         `json:"id"`
	TestName           string         `json:"testName"`
	NormalizedTestName string         `json:"normalizedTestName"`
	Normalized         bool           `json:"normalized"`
	Value              float64        `json:"value"`
	Unit               string         `json:"unit"`
	ReferenceRange     string         `json:"referenceRange"`
	Status             Status         `json:"status"`
	CollectionDate     time.Time      `json:"collectionDate"`
	SourceDocumentID   string         `json:"sourceDocumentId"`
	TrendDirection     TrendDirection `json:"trendDirection"`
	InsightTags        []string       `json:"insightTags"`
	FamilyContextTags  []string       `json:"familyContextTags"`
	WatchItems         []string       `json:"watchItems"`
	Explanation        string         `json:"explanation,omitempty"`
}

// RawCandidate is an unvalidated extraction match. Several candidates may
// describe the same line; the assembler resolves them.
type RawCandidate struct {
	RawName       string
	RawValueText  string
	Value         *float64
	RawUnit       string
	RawRangeText  string
	RawStatusText string
	LineOffset    int
	// Pattern is the index of the extraction pattern that produced the
	// candidate. Lower indexes have higher priority.
	Pattern int
}

// HistoryPoint is a prior value of one canonical test.
type HistoryPoint struct {
	Value       float64   `json:"value"`
	CollectedAt time.Time `json:"collectedAt"`
	DocumentID  string    `json:"documentId,omitempty"`
}

// Document is one processed upload.
type Document struct {
	ID                  string        `json:"id"`
	FileName            string        `json:"fileName"`
	UploadDate          time.Time     `json:"uploadDate"`
	LabResults          []LabResult   `json:"labResults"`
	Summary             string        `json:"summary"`
	OCRConfidence       float64       `json:"ocrConfidence"`
	LowConfidence       bool          `json:"lowConfidence"`
	OCRSource           string        `json:"ocrSource,omitempty"`
	DiscardedCandidates int           `json:"discardedCandidates"`
	State               DocumentState `json:"-"`
}

// AbnormalCount returns the number of results outside the normal range.
func (d *Document) AbnormalCount() int {
	n := 0
	for _, r := range d.LabResults {
		if r.Status.Abnormal() {
			n++
		}
	}
	return n
}

// SkippedFile records a file that did not produce a document.
type SkippedFile struct {
	FileName string `json:"fileName"`
	Reason   string `json:"reason"`
}

// Batch is the response for one multi-file upload.
type Batch struct {
	Success      bool          `json:"success"`
	Documents    []*Document   `json:"documents"`
	TotalResults int           `json:"totalResults"`
	OCRMode      string        `json:"ocrMode"`
	Skipped      []SkippedFile `json:"skipped"`
}
