package labreport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labintel/internal/platform/events"
	"github.com/ehr/labintel/internal/platform/ocr"
)

// ErrPersistenceDisabled is returned by read operations when no repository
// is configured.
var ErrPersistenceDisabled = errors.New("persistence disabled")

// documentNamespace scopes content-derived document ids.
var documentNamespace = uuid.MustParse("6f1c2a3e-5b7d-4e8f-9a0b-1c2d3e4f5a6b")

// ContentDocumentID derives a stable document id from the owner and the file
// bytes, so uploading the same file again replaces its earlier results.
func ContentDocumentID(ownerID string, data []byte) string {
	sum := sha256.Sum256(data)
	return uuid.NewSHA1(documentNamespace, []byte(ownerID+":"+hex.EncodeToString(sum[:]))).String()
}

// ExtractorPool lends a TextExtractor to one batch at a time.
type ExtractorPool interface {
	Acquire(ctx context.Context) (TextExtractor, error)
	Put(TextExtractor)
}

type ocrPool struct{ p *ocr.Pool }

// OCRPool adapts an *ocr.Pool to ExtractorPool.
func OCRPool(p *ocr.Pool) ExtractorPool { return ocrPool{p: p} }

func (o ocrPool) Acquire(ctx context.Context) (TextExtractor, error) {
	a, err := o.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (o ocrPool) Put(t TextExtractor) {
	if a, ok := t.(*ocr.Adapter); ok {
		o.p.Put(a)
	}
}

// EventPublisher announces assembled documents.
type EventPublisher interface {
	PublishDocumentAssembled(ctx context.Context, ev events.DocumentAssembled) error
}

// Service runs uploads through the pipeline and stores the outcome. The
// repository and publisher are optional.
type Service struct {
	extractors ExtractorPool
	repo       Repository
	publisher  EventPublisher
	metrics    *Metrics
	logger     zerolog.Logger
	opts       PipelineOptions
}

func NewService(extractors ExtractorPool, repo Repository, publisher EventPublisher, logger zerolog.Logger, opts PipelineOptions) *Service {
	return &Service{
		extractors: extractors,
		repo:       repo,
		publisher:  publisher,
		logger:     logger.With().Str("component", "labreport.service").Logger(),
		opts:       opts.withDefaults(),
	}
}

// WithMetrics records batch counts and durations on m.
func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

// PersistenceEnabled reports whether results are stored.
func (s *Service) PersistenceEnabled() bool { return s.repo != nil }

// ProcessUpload processes files for ownerID. documentID, when set, names the
// document of a single-file upload; otherwise ids derive from file content.
// Storage and event failures are logged and do not fail the upload.
func (s *Service) ProcessUpload(ctx context.Context, ownerID string, files []ocr.File, documentID string) (*Batch, error) {
	extractor, err := s.extractors.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire ocr engine: %w", err)
	}
	defer s.extractors.Put(extractor)

	opts := s.opts
	opts.DocumentID = func(_ int, f ocr.File) string {
		if documentID != "" && len(files) == 1 {
			return documentID
		}
		return ContentDocumentID(ownerID, f.Data)
	}
	start := time.Now()
	batch, err := NewPipeline(extractor, s.logger, opts).Run(ctx, files)
	if err != nil {
		return nil, err
	}
	s.metrics.observeBatch(batch, time.Since(start))

	for _, doc := range batch.Documents {
		s.applyHistory(ctx, ownerID, doc)
		s.persist(ctx, ownerID, doc)
		s.publish(ctx, ownerID, doc, batch.OCRMode)
	}
	return batch, nil
}

func (s *Service) applyHistory(ctx context.Context, ownerID string, doc *Document) {
	if s.repo == nil || len(doc.LabResults) == 0 {
		return
	}
	names := make([]string, 0, len(doc.LabResults))
	seen := make(map[string]struct{}, len(doc.LabResults))
	for _, r := range doc.LabResults {
		if _, ok := seen[r.NormalizedTestName]; ok {
			continue
		}
		seen[r.NormalizedTestName] = struct{}{}
		names = append(names, r.NormalizedTestName)
	}
	history, err := s.repo.History(ctx, ownerID, names, doc.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("load result history")
		return
	}
	doc.LabResults = ApplyTrends(doc.LabResults, history)
}

func (s *Service) persist(ctx context.Context, ownerID string, doc *Document) {
	if s.repo == nil {
		return
	}
	if err := s.repo.ReplaceDocumentResults(ctx, ownerID, doc); err != nil {
		s.logger.Error().Err(err).Str("document_id", doc.ID).Msg("store lab results")
	}
}

func (s *Service) publish(ctx context.Context, ownerID string, doc *Document, mode string) {
	if s.publisher == nil {
		return
	}
	ev := events.DocumentAssembled{
		DocumentID:    doc.ID,
		OwnerID:       ownerID,
		ResultCount:   len(doc.LabResults),
		AbnormalCount: doc.AbnormalCount(),
		Discarded:     doc.DiscardedCandidates,
		OCRMode:       mode,
		AssembledAt:   s.opts.Now().UTC().Truncate(time.Second),
	}
	if err := s.publisher.PublishDocumentAssembled(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("publish document event")
	}
}

// DocumentResults returns the stored results of one of ownerID's documents.
func (s *Service) DocumentResults(ctx context.Context, ownerID, documentID string) ([]LabResult, error) {
	if s.repo == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.repo.ListByDocument(ctx, ownerID, documentID)
}

// ListResults returns ownerID's stored results, newest first, optionally
// limited to one canonical test. The test name is normalized first.
func (s *Service) ListResults(ctx context.Context, ownerID, testName string, limit, offset int) ([]LabResult, int, error) {
	if s.repo == nil {
		return nil, 0, ErrPersistenceDisabled
	}
	if testName != "" {
		testName = Normalize(testName)
	}
	return s.repo.ListByOwner(ctx, ownerID, testName, limit, offset)
}
