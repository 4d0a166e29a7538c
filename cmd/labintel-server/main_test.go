package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labintel/internal/config"
	"github.com/ehr/labintel/internal/domain/labreport"
	"github.com/ehr/labintel/internal/platform/db"
	"github.com/ehr/labintel/internal/platform/middleware"
	"github.com/ehr/labintel/internal/platform/ocr"
	"github.com/ehr/labintel/internal/platform/telemetry"
)

type stubEngine struct{ text string }

func (s stubEngine) Recognize(context.Context, []byte) (string, float64, error) {
	return s.text, 0.9, nil
}

func (stubEngine) Close() error { return nil }

func testServer(t *testing.T, cfg *config.Config, text string) http.Handler {
	t.Helper()
	pool := ocr.NewPool(1, func() *ocr.Adapter {
		return ocr.NewAdapter(func(context.Context) (ocr.Engine, error) {
			return stubEngine{text: text}, nil
		}, zerolog.Nop())
	})
	t.Cleanup(func() { pool.Close() })

	reg := telemetry.NewRegistry()
	svc := labreport.NewService(labreport.OCRPool(pool), nil, nil, zerolog.Nop(), pipelineOptions(cfg)).
		WithMetrics(labreport.NewMetrics(reg))
	rl := middleware.RateLimitConfig{RequestsPerSecond: 10, BurstSize: 10}
	return newEcho(cfg, zerolog.Nop(), svc, reg, middleware.NewMemoryStore(10, 10), rl, nil)
}

func devConfig() *config.Config {
	return &config.Config{
		Env:                    "development",
		CORSOrigins:            []string{"http://localhost:3000"},
		MaxUploadSize:          "10M",
		RequestTimeout:         time.Minute,
		LowConfidenceThreshold: 0.3,
	}
}

func uploadRequest(t *testing.T, name, contentType, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte(body))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, uploadPath, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestServer_Health(t *testing.T) {
	srv := testServer(t, devConfig(), "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"persistence":false`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected security headers")
	}
}

func TestServer_NoDBHealthWithoutDatabase(t *testing.T) {
	srv := testServer(t, devConfig(), "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServer_UploadEndToEnd(t *testing.T) {
	srv := testServer(t, devConfig(), "Glucose: 130 mg/dL (70-99)")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "scan.png", "image/png", "fake image bytes"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch labreport.Batch
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !batch.Success || batch.TotalResults != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	r := batch.Documents[0].LabResults[0]
	if r.NormalizedTestName != "Glucose" || r.Status != labreport.StatusHigh {
		t.Errorf("unexpected result: %+v", r)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Error("expected rate limit headers on API routes")
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := testServer(t, devConfig(), "Glucose: 130 mg/dL (70-99)")
	srv.ServeHTTP(httptest.NewRecorder(), uploadRequest(t, "scan.png", "image/png", "fake image bytes"))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, metricsPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`labintel_documents_total{ocr_mode="real"} 1`,
		`labintel_lab_results_total{status="high"} 1`,
		`http_server_request_duration_seconds_count{method="POST",route="/api/v1/lab-documents",status_code="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics:\n%s", want, body)
		}
	}
}

func TestServer_ResultsNeedPersistence(t *testing.T) {
	srv := testServer(t, devConfig(), "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/lab-results", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", rec.Code)
	}
}

func TestServer_ProductionRequiresToken(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = strings.Repeat("k", 32)
	srv := testServer(t, cfg, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "scan.png", "image/png", "x"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected public health check, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, metricsPath, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected public metrics endpoint, got %d", rec.Code)
	}
}

func TestTesseractConfig(t *testing.T) {
	cfg := &config.Config{OCRLanguage: "eng+deu", OCRPSM: 4, OCROEM: 1, OCRDPI: 400, OCRTimeoutSeconds: 5}
	tc := tesseractConfig(cfg)
	if tc.Language != "eng+deu" || tc.PSM != 4 || tc.OEM != 1 || tc.DPI != 400 || tc.Timeout != 5*time.Second {
		t.Errorf("unexpected config: %+v", tc)
	}

	tc = tesseractConfig(&config.Config{})
	if tc.Language != "eng" || tc.PSM != 6 || tc.Timeout != 60*time.Second {
		t.Errorf("expected defaults, got %+v", tc)
	}
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestRunParse_TextInput(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "Collection Date: 2024-03-15\nGlucose: 130 mg/dL (70-99)\nTSH 2.1 uIU/mL (0.4-4.0) NORMAL\n")
	empty := writeTemp(t, dir, "empty.txt", "")

	var out bytes.Buffer
	err := runParse(context.Background(), &out, textExtractor{}, zerolog.Nop(), labreport.PipelineOptions{},
		[]string{a, empty}, parseOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var batch labreport.Batch
	if err := json.Unmarshal(out.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(batch.Documents) != 1 || batch.TotalResults != 2 {
		t.Fatalf("unexpected batch: %s", out.String())
	}
	if len(batch.Skipped) != 1 || batch.Skipped[0].Reason != "empty file" {
		t.Errorf("expected empty.txt skipped, got %+v", batch.Skipped)
	}
	doc := batch.Documents[0]
	if doc.OCRSource != sourceText || doc.OCRConfidence != 1 {
		t.Errorf("unexpected document metadata: %+v", doc)
	}
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !doc.LabResults[0].CollectionDate.Equal(want) {
		t.Errorf("expected collection date %s, got %s", want, doc.LabResults[0].CollectionDate)
	}
}

func TestRunParse_DocumentID(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "Glucose: 95 mg/dL (70-99)")
	b := writeTemp(t, dir, "b.txt", "Glucose: 96 mg/dL (70-99)")

	var out bytes.Buffer
	err := runParse(context.Background(), &out, textExtractor{}, zerolog.Nop(), labreport.PipelineOptions{},
		[]string{a}, parseOptions{documentID: "visit-3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), `"id": "visit-3-1"`) {
		t.Errorf("expected result id visit-3-1, got %s", out.String())
	}

	err = runParse(context.Background(), &out, textExtractor{}, zerolog.Nop(), labreport.PipelineOptions{},
		[]string{a, b}, parseOptions{documentID: "visit-3"})
	if err == nil {
		t.Error("expected error for --document-id with several files")
	}
}

func TestRunParse_MissingFile(t *testing.T) {
	err := runParse(context.Background(), &bytes.Buffer{}, textExtractor{}, zerolog.Nop(), labreport.PipelineOptions{},
		[]string{filepath.Join(t.TempDir(), "nope.png")}, parseOptions{})
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReadLocalFile_ContentType(t *testing.T) {
	dir := t.TempDir()
	f, err := readLocalFile(writeTemp(t, dir, "scan.png", "x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Name != "scan.png" || f.ContentType != "image/png" {
		t.Errorf("unexpected file: %+v", f)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "lab_results", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "indexes"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-03-01 12:00:00") {
		t.Errorf("unexpected applied row: %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row: %q", lines[3])
	}
}
