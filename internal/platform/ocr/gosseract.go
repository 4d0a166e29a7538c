//go:build ocr

package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
	"github.com/rs/zerolog"
)

// GosseractEngine keeps one libtesseract handle open for its lifetime, which
// avoids reloading the language model for every page.
type GosseractEngine struct {
	client *gosseract.Client
	logger zerolog.Logger
}

// NewGosseractEngineFactory returns a factory for in-process engines.
// Only available when built with -tags ocr.
func NewGosseractEngineFactory(cfg TesseractConfig, logger zerolog.Logger) EngineFactory {
	return func(_ context.Context) (Engine, error) {
		client := gosseract.NewClient()
		if err := client.SetLanguage(cfg.Language); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: set language %q: %v", ErrEngineUnavailable, cfg.Language, err)
		}
		if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PSM)); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: set page segmentation mode: %v", ErrEngineUnavailable, err)
		}
		logger.Debug().Str("tesseract_version", gosseract.Version()).Msg("gosseract client ready")
		return &GosseractEngine{client: client, logger: logger}, nil
	}
}

// Recognize runs recognition on image and averages word confidences.
// libtesseract calls cannot be interrupted; ctx is only checked up front.
func (e *GosseractEngine) Recognize(ctx context.Context, image []byte) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if err := e.client.SetImageFromBytes(image); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("tesseract ocr failed: %w", err)
	}

	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		e.logger.Warn().Err(err).Msg("word confidences unavailable")
		return text, 0, nil
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	if len(boxes) == 0 {
		return text, 0, nil
	}
	return text, sum / float64(len(boxes)) / 100, nil
}

// Close releases the libtesseract handle.
func (e *GosseractEngine) Close() error {
	return e.client.Close()
}
