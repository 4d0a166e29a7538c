// Package ocr turns uploaded lab report files into text. It defines the
// Engine contract implemented by the Tesseract backends, the Adapter that
// owns one warm engine for the length of a batch, and a Pool of adapters for
// callers that need to process batches concurrently.
package ocr

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrEngineUnavailable is returned when the OCR engine cannot be
	// initialized. It is fatal for the whole batch.
	ErrEngineUnavailable = errors.New("ocr engine unavailable")
	// ErrUnsupportedFormat is returned for files whose type is neither an
	// image nor a PDF. Callers skip the file and continue.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrEmptyFile is returned for zero-length uploads.
	ErrEmptyFile = errors.New("file is empty")
)

// Source values reported on Result.
const (
	SourceImage   = "image"
	SourcePDFText = "pdf-text"
)

// Kind classifies a File by its content type.
type Kind int

const (
	KindUnsupported Kind = iota
	KindImage
	KindPDF
)

// File is a single uploaded document held in memory.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// MediaType returns the declared media type, falling back to content
// sniffing when the declaration is missing or generic.
func (f File) MediaType() string {
	declared := strings.TrimSpace(f.ContentType)
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			declared = mt
		}
	}
	if declared == "" || declared == "application/octet-stream" {
		if len(f.Data) == 0 {
			return declared
		}
		sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(f.Data))
		return sniffed
	}
	return strings.ToLower(declared)
}

// Kind reports whether the file can be handled as an image or PDF.
func (f File) Kind() Kind {
	mt := f.MediaType()
	switch {
	case mt == "application/pdf":
		return KindPDF
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	default:
		return KindUnsupported
	}
}

// Result is the text recognized from one file.
type Result struct {
	Text       string
	Confidence float64
	Source     string
	Duration   time.Duration
}

// Engine recognizes text in a single image. Implementations hold native or
// process-level resources and are not safe for concurrent use.
type Engine interface {
	Recognize(ctx context.Context, image []byte) (text string, confidence float64, err error)
	Close() error
}

// EngineFactory creates a ready-to-use Engine. It must wrap initialization
// failures with ErrEngineUnavailable.
type EngineFactory func(ctx context.Context) (Engine, error)

// TesseractConfig holds the recognition parameters shared by both
// Tesseract backends.
type TesseractConfig struct {
	// Language is the traineddata name, "+"-separated for several ("eng+deu").
	Language string
	// PSM is the page segmentation mode; 6 treats the page as one text block,
	// which suits tabular lab reports.
	PSM int
	// OEM selects the recognition engine mode (3 = default available).
	OEM int
	DPI int
	// Timeout bounds a single recognition call.
	Timeout time.Duration
}

// DefaultTesseractConfig returns settings tuned for scanned lab reports.
func DefaultTesseractConfig() TesseractConfig {
	return TesseractConfig{
		Language: "eng",
		PSM:      6,
		OEM:      3,
		DPI:      300,
		Timeout:  60 * time.Second,
	}
}
