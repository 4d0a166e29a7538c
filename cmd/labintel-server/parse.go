package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labintel/internal/config"
	"github.com/ehr/labintel/internal/domain/labreport"
	"github.com/ehr/labintel/internal/platform/ocr"
)

// sourceText marks results read from plain text input.
const sourceText = "text"

type parseOptions struct {
	documentID string
	textInput  bool
	verbose    bool
}

func parseCmd() *cobra.Command {
	var opts parseOptions
	cmd := &cobra.Command{
		Use:   "parse FILE...",
		Short: "Extract lab results from local files and print them as JSON",
		Long: "Runs the extraction pipeline on this machine without storing anything.\n" +
			"Images are recognized with Tesseract; PDFs are read from their text layer.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			level := zerolog.WarnLevel
			if opts.verbose {
				level = zerolog.DebugLevel
			}
			logger := newLogger(cmd.ErrOrStderr(), "development").Level(level)

			var extractor labreport.TextExtractor = textExtractor{}
			if !opts.textInput {
				extractor = ocr.NewAdapter(engineFactory(cfg, logger), logger)
			}
			return runParse(cmd.Context(), cmd.OutOrStdout(), extractor, logger, pipelineOptions(cfg), args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.documentID, "document-id", "", "Document id (single file only)")
	cmd.Flags().BoolVar(&opts.textInput, "text", false, "Treat inputs as already extracted text")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log processing details to stderr")
	return cmd
}

func runParse(ctx context.Context, out io.Writer, extractor labreport.TextExtractor, logger zerolog.Logger, popts labreport.PipelineOptions, paths []string, opts parseOptions) error {
	if opts.documentID != "" && len(paths) > 1 {
		return fmt.Errorf("--document-id is only allowed with a single file")
	}

	files := make([]ocr.File, 0, len(paths))
	for _, p := range paths {
		f, err := readLocalFile(p)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	popts.DocumentID = func(_ int, f ocr.File) string {
		if opts.documentID != "" {
			return opts.documentID
		}
		return labreport.ContentDocumentID("", f.Data)
	}

	batch, err := labreport.NewPipeline(extractor, logger, popts).Run(ctx, files)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(batch)
}

func readLocalFile(path string) (ocr.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ocr.File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ocr.File{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
	}, nil
}

// textExtractor passes file contents through as recognized text.
type textExtractor struct{}

func (textExtractor) Warm(context.Context) error { return nil }

func (textExtractor) Release() error { return nil }

func (textExtractor) ExtractText(_ context.Context, f ocr.File) (ocr.Result, error) {
	if len(f.Data) == 0 {
		return ocr.Result{}, fmt.Errorf("%s: %w", f.Name, ocr.ErrEmptyFile)
	}
	return ocr.Result{Text: ocr.NewCleaner().Clean(string(f.Data)), Confidence: 1, Source: sourceText}, nil
}
