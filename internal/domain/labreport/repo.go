package labreport

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document has no stored results.
var ErrNotFound = errors.New("lab results not found")

// Repository stores assembled results. A document's results are always
// replaced as a whole.
type Repository interface {
	HistoryProvider
	ReplaceDocumentResults(ctx context.Context, ownerID string, doc *Document) error
	ListByDocument(ctx context.Context, ownerID, documentID string) ([]LabResult, error)
	ListByOwner(ctx context.Context, ownerID, testName string, limit, offset int) ([]LabResult, int, error)
}
