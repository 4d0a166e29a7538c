package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Adapter owns at most one warm Engine. The engine is created on the first
// Warm (or image extraction) and reused until Release; a later Warm creates
// a fresh one. Calls are serialized, so Release waits for an in-progress
// recognition to finish rather than interrupting it.
type Adapter struct {
	newEngine EngineFactory
	cleaner   *Cleaner
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	engine Engine
}

// NewAdapter creates an Adapter that builds engines with factory.
func NewAdapter(factory EngineFactory, logger zerolog.Logger) *Adapter {
	return &Adapter{
		newEngine: factory,
		cleaner:   NewCleaner(),
		logger:    logger,
		now:       time.Now,
	}
}

// Warm initializes the engine if it is not already running.
func (a *Adapter) Warm(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.warmLocked(ctx)
}

func (a *Adapter) warmLocked(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}
	if a.newEngine == nil {
		return fmt.Errorf("no engine configured: %w", ErrEngineUnavailable)
	}
	engine, err := a.newEngine(ctx)
	if err != nil {
		if errors.Is(err, ErrEngineUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	a.engine = engine
	a.logger.Debug().Msg("ocr engine initialized")
	return nil
}

// Warmed reports whether an engine is currently held.
func (a *Adapter) Warmed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine != nil
}

// ExtractText returns the text and confidence for one file. Images go
// through the engine; PDFs are read from their embedded text layer. A low
// confidence result is returned as-is; deciding what to do with it is up to
// the caller.
func (a *Adapter) ExtractText(ctx context.Context, f File) (Result, error) {
	if len(f.Data) == 0 {
		return Result{}, fmt.Errorf("%s: %w", f.Name, ErrEmptyFile)
	}

	start := a.now()
	switch f.Kind() {
	case KindPDF:
		text, err := ExtractPDFText(f.Data)
		if err != nil {
			return Result{}, fmt.Errorf("extract pdf text from %s: %w", f.Name, err)
		}
		text = a.cleaner.Clean(text)
		confidence := 0.0
		if text != "" {
			confidence = 1.0
		}
		return Result{Text: text, Confidence: confidence, Source: SourcePDFText, Duration: a.now().Sub(start)}, nil

	case KindImage:
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.warmLocked(ctx); err != nil {
			return Result{}, err
		}
		text, confidence, err := a.engine.Recognize(ctx, f.Data)
		if err != nil {
			return Result{}, fmt.Errorf("recognize %s: %w", f.Name, err)
		}
		return Result{
			Text:       a.cleaner.Clean(text),
			Confidence: clampConfidence(confidence),
			Source:     SourceImage,
			Duration:   a.now().Sub(start),
		}, nil

	default:
		return Result{}, fmt.Errorf("%s (%s): %w", f.Name, f.MediaType(), ErrUnsupportedFormat)
	}
}

// Release closes the engine if one is held. It is safe to call repeatedly.
func (a *Adapter) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine == nil {
		return nil
	}
	err := a.engine.Close()
	a.engine = nil
	a.logger.Debug().Msg("ocr engine released")
	if err != nil {
		return fmt.Errorf("close ocr engine: %w", err)
	}
	return nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
