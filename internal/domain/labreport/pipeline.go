package labreport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labintel/internal/platform/ocr"
)

var (
	// ErrEmptyText is returned when a file yields no text at all.
	ErrEmptyText = errors.New("no text extracted")
	// ErrPipelineReset is returned by a Run interrupted by Reset.
	ErrPipelineReset = errors.New("pipeline reset")
)

// DefaultLowConfidenceThreshold flags OCR output below this confidence.
const DefaultLowConfidenceThreshold = 0.3

// TextExtractor is the OCR capability the pipeline owns for one batch.
// *ocr.Adapter implements it.
type TextExtractor interface {
	Warm(ctx context.Context) error
	ExtractText(ctx context.Context, f ocr.File) (ocr.Result, error)
	Release() error
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	LowConfidenceThreshold float64
	// Now is the processing clock; collection dates default to its day.
	Now func() time.Time
	// DocumentID derives the document id for the file at index i.
	DocumentID func(i int, f ocr.File) string
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.LowConfidenceThreshold <= 0 {
		o.LowConfidenceThreshold = DefaultLowConfidenceThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.DocumentID == nil {
		o.DocumentID = func(_ int, f ocr.File) string { return ContentDocumentID("", f.Data) }
	}
	return o
}

// Pipeline processes one batch of files sequentially against a single warm
// OCR engine. It is not safe to call Run concurrently; Reset and Documents
// may be called from other goroutines.
type Pipeline struct {
	extractor TextExtractor
	opts      PipelineOptions
	logger    zerolog.Logger

	mu         sync.Mutex
	generation uint64
	documents  []*Document
	skipped    []SkippedFile
}

// NewPipeline creates a pipeline that owns extractor for its batches.
func NewPipeline(extractor TextExtractor, logger zerolog.Logger, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "labreport.pipeline").Logger(),
	}
}

// Run processes files in order. An engine that cannot start fails the whole
// batch with no partial results; any other per-file failure skips that file.
func (p *Pipeline) Run(ctx context.Context, files []ocr.File) (*Batch, error) {
	gen := p.begin()
	start := time.Now()

	if err := p.extractor.Warm(ctx); err != nil {
		p.logger.Error().Err(err).Int("files", len(files)).Msg("ocr engine unavailable")
		return nil, err
	}
	defer p.release()

	ids := make(map[string]int, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.current(gen) {
			return nil, ErrPipelineReset
		}

		doc, err := p.processFile(ctx, i, f, ids)
		if err != nil {
			if errors.Is(err, ocr.ErrEngineUnavailable) {
				p.logger.Error().Err(err).Str("file", f.Name).Msg("ocr engine lost mid-batch")
				return nil, err
			}
			p.logger.Warn().Err(err).Str("file", f.Name).Msg("file skipped")
			if !p.record(gen, nil, &SkippedFile{FileName: f.Name, Reason: skipReason(err)}) {
				return nil, ErrPipelineReset
			}
			continue
		}
		if !p.record(gen, doc, nil) {
			return nil, ErrPipelineReset
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		return nil, ErrPipelineReset
	}
	batch := newBatch(p.documents, p.skipped)
	p.logger.Info().
		Int("files", len(files)).
		Int("documents", len(batch.Documents)).
		Int("skipped", len(batch.Skipped)).
		Int("results", batch.TotalResults).
		Str("ocr_mode", batch.OCRMode).
		Dur("duration", time.Since(start)).
		Msg("batch processed")
	return batch, nil
}

// ProcessText runs extraction, classification and assembly over text that
// was already recognized. It does not touch the OCR engine.
func (p *Pipeline) ProcessText(docID, fileName, text string, confidence float64) (*Document, error) {
	doc := p.newDocument(docID, fileName)
	if err := doc.transition(StateExtracting); err != nil {
		return nil, err
	}
	return p.assemble(doc, ocr.Result{Text: text, Confidence: confidence})
}

// Documents returns the documents assembled so far in the current batch.
func (p *Pipeline) Documents() []*Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Document, len(p.documents))
	copy(out, p.documents)
	return out
}

// Reset discards batch state and releases the OCR engine. A Run in
// progress stops before its next file. An OCR call already running is not
// interrupted.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	p.generation++
	p.documents = nil
	p.skipped = nil
	p.mu.Unlock()
	return p.extractor.Release()
}

func (p *Pipeline) begin() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.documents = nil
	p.skipped = nil
	return p.generation
}

func (p *Pipeline) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation == gen
}

func (p *Pipeline) record(gen uint64, doc *Document, skipped *SkippedFile) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		return false
	}
	if doc != nil {
		p.documents = append(p.documents, doc)
	}
	if skipped != nil {
		p.skipped = append(p.skipped, *skipped)
	}
	return true
}

func (p *Pipeline) release() {
	if err := p.extractor.Release(); err != nil {
		p.logger.Warn().Err(err).Msg("release ocr engine")
	}
}

func (p *Pipeline) newDocument(id, fileName string) *Document {
	return &Document{
		ID:         id,
		FileName:   fileName,
		UploadDate: p.opts.Now().UTC(),
		LabResults: []LabResult{},
		State:      StateReceived,
	}
}

func (p *Pipeline) processFile(ctx context.Context, i int, f ocr.File, ids map[string]int) (doc *Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("file", f.Name).Interface("panic", r).Msg("recovered from panic while processing file")
			doc, err = nil, fmt.Errorf("process %s: panic: %v", f.Name, r)
		}
	}()

	doc = p.newDocument(batchDocumentID(ids, p.opts.DocumentID(i, f)), f.Name)
	res, err := p.extractor.ExtractText(ctx, f)
	if err != nil {
		_ = doc.transition(StateFailed)
		return nil, err
	}
	if err := doc.transition(StateExtracting); err != nil {
		return nil, err
	}
	return p.assemble(doc, res)
}

// batchDocumentID keeps document ids unique within one batch. The first
// file with an id keeps it; later ones get "-2", "-3" and so on.
func batchDocumentID(seen map[string]int, id string) string {
	seen[id]++
	if n := seen[id]; n > 1 {
		candidate := fmt.Sprintf("%s-%d", id, n)
		for seen[candidate] > 0 {
			n++
			seen[id] = n
			candidate = fmt.Sprintf("%s-%d", id, n)
		}
		seen[candidate]++
		return candidate
	}
	return id
}

func (p *Pipeline) assemble(doc *Document, res ocr.Result) (*Document, error) {
	doc.OCRConfidence = res.Confidence
	doc.OCRSource = res.Source
	doc.LowConfidence = res.Confidence < p.opts.LowConfidenceThreshold

	if strings.TrimSpace(res.Text) == "" {
		_ = doc.transition(StateFailed)
		return nil, fmt.Errorf("%s: %w", doc.FileName, ErrEmptyText)
	}

	candidates := ExtractCandidates(res.Text)
	collected, ok := ExtractCollectionDate(res.Text)
	if !ok {
		collected = truncateDay(p.opts.Now())
	}
	if err := doc.transition(StateClassifying); err != nil {
		return nil, err
	}

	a := Assemble(doc.ID, candidates, AssembleOptions{CollectionDate: collected})
	doc.LabResults = a.Results
	doc.DiscardedCandidates = a.Discarded
	doc.Summary = summarize(doc)
	if err := doc.transition(StateAssembled); err != nil {
		return nil, err
	}

	p.logger.Debug().
		Str("document_id", doc.ID).
		Int("candidates", len(candidates)).
		Int("results", len(a.Results)).
		Int("discarded", a.Discarded).
		Int("duplicates", a.Duplicates).
		Float64("ocr_confidence", res.Confidence).
		Bool("low_confidence", doc.LowConfidence).
		Msg("document assembled")
	return doc, nil
}

func newBatch(docs []*Document, skipped []SkippedFile) *Batch {
	b := &Batch{
		Success:   true,
		Documents: make([]*Document, len(docs)),
		Skipped:   make([]SkippedFile, len(skipped)),
		OCRMode:   OCRModeReal,
	}
	copy(b.Documents, docs)
	copy(b.Skipped, skipped)
	for _, d := range docs {
		b.TotalResults += len(d.LabResults)
	}
	if b.TotalResults == 0 {
		b.OCRMode = OCRModeFallback
	}
	return b
}

func summarize(d *Document) string {
	n := len(d.LabResults)
	var sb strings.Builder
	switch {
	case n == 0:
		sb.WriteString("No lab results found")
	case n == 1:
		sb.WriteString("Found 1 lab result")
	default:
		fmt.Fprintf(&sb, "Found %d lab results", n)
	}

	var low, high int
	for _, r := range d.LabResults {
		switch r.Status {
		case StatusLow:
			low++
		case StatusHigh:
			high++
		}
	}
	switch {
	case n == 0:
		sb.WriteString("; 0 outside the normal range.")
	case low+high == 0:
		sb.WriteString("; all within the normal range.")
	default:
		fmt.Fprintf(&sb, "; %d outside the normal range (%d high, %d low).", low+high, high, low)
	}
	if d.LowConfidence {
		fmt.Fprintf(&sb, " OCR confidence was low (%.2f); some values may be missing.", d.OCRConfidence)
	}
	return sb.String()
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ocr.ErrUnsupportedFormat):
		return "unsupported file type"
	case errors.Is(err, ocr.ErrEmptyFile):
		return "empty file"
	case errors.Is(err, ErrEmptyText):
		return "no text found"
	default:
		return "could not process file"
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
