//go:build !ocr

package ocr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// NewGosseractEngineFactory returns a factory that always fails: the
// in-process engine needs cgo and libtesseract and is only compiled with
// -tags ocr. Use the cli engine otherwise.
func NewGosseractEngineFactory(_ TesseractConfig, _ zerolog.Logger) EngineFactory {
	return func(_ context.Context) (Engine, error) {
		return nil, fmt.Errorf("%w: built without the ocr tag", ErrEngineUnavailable)
	}
}
