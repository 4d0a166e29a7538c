package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// CLIEngine runs the tesseract binary once per image. The image is streamed
// through stdin and the TSV report read from stdout, so no page content is
// written to disk.
type CLIEngine struct {
	binary string
	config TesseractConfig
	logger zerolog.Logger
}

// NewCLIEngineFactory returns a factory that locates the tesseract binary.
// A missing binary is reported as ErrEngineUnavailable.
func NewCLIEngineFactory(cfg TesseractConfig, logger zerolog.Logger) EngineFactory {
	return func(_ context.Context) (Engine, error) {
		binary, err := exec.LookPath("tesseract")
		if err != nil {
			return nil, fmt.Errorf("%w: tesseract binary not found: %v", ErrEngineUnavailable, err)
		}
		return &CLIEngine{binary: binary, config: cfg, logger: logger}, nil
	}
}

// Recognize runs tesseract with the configured PSM and retries once with
// PSM 6 when the first attempt times out.
func (e *CLIEngine) Recognize(ctx context.Context, image []byte) (string, float64, error) {
	out, err := e.run(ctx, image, e.config.PSM)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && e.config.PSM != 6 && ctx.Err() == nil {
			e.logger.Warn().Int("psm", e.config.PSM).Msg("tesseract timed out, retrying with psm 6")
			out, err = e.run(ctx, image, 6)
		}
		if err != nil {
			return "", 0, err
		}
	}
	text, confidence := ParseTSV(out)
	return text, confidence, nil
}

func (e *CLIEngine) run(ctx context.Context, image []byte, psm int) ([]byte, error) {
	runCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.binary, "stdin", "stdout",
		"-l", e.config.Language,
		"--psm", strconv.Itoa(psm),
		"--oem", strconv.Itoa(e.config.OEM),
		"--dpi", strconv.Itoa(e.config.DPI),
		"tsv",
	)
	// Keep tesseract single-threaded; parallelism comes from the adapter pool.
	cmd.Env = append(os.Environ(), "OMP_THREAD_LIMIT=1")
	cmd.Stdin = bytes.NewReader(image)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("tesseract: %w", runCtx.Err())
		}
		return nil, fmt.Errorf("tesseract execution failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Close is a no-op; each recognition runs in its own process.
func (e *CLIEngine) Close() error { return nil }

type tsvLineKey struct {
	page, block, par, line int
}

// ParseTSV rebuilds line-oriented text from tesseract TSV output and returns
// the mean word confidence scaled to [0, 1]. Rows with confidence -1 are
// structural (page, block, paragraph, line) and carry no text. Rows are
// split in memory, so row length is unbounded.
func ParseTSV(out []byte) (string, float64) {
	var (
		lines    []string
		current  []string
		lastKey  tsvLineKey
		haveLine bool
		confSum  float64
		words    int
	)

	flush := func() {
		if len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
		}
		current = current[:0]
	}

	for i, row := range strings.Split(string(out), "\n") {
		row = strings.TrimSuffix(row, "\r")
		if i == 0 && strings.HasPrefix(row, "level") {
			continue
		}
		cols := strings.Split(row, "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}

		key := tsvLineKey{page: atoi(cols[1]), block: atoi(cols[2]), par: atoi(cols[3]), line: atoi(cols[4])}
		if haveLine && key != lastKey {
			flush()
		}
		lastKey = key
		haveLine = true

		current = append(current, word)
		confSum += conf
		words++
	}
	flush()

	if words == 0 {
		return "", 0
	}
	return strings.Join(lines, "\n"), confSum / float64(words) / 100
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
