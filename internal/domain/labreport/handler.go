package labreport

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labintel/internal/platform/auth"
	"github.com/ehr/labintel/internal/platform/ocr"
	"github.com/ehr/labintel/pkg/pagination"
)

// DefaultMaxFiles bounds the number of files in one upload.
const DefaultMaxFiles = 20

type Handler struct {
	svc      *Service
	maxFiles int
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, maxFiles: DefaultMaxFiles}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/lab-documents", h.UploadDocuments)
	api.GET("/lab-documents/:id/results", h.GetDocumentResults)
	api.GET("/lab-results", h.ListLabResults)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// UploadDocuments accepts multipart "files" (repeatable) or "file" fields.
// Unsupported files are reported in "skipped"; the batch still succeeds.
func (h *Handler) UploadDocuments(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form data")
	}
	headers := append(append([]*multipart.FileHeader{}, form.File["files"]...), form.File["file"]...)
	if len(headers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files uploaded")
	}
	if len(headers) > h.maxFiles {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", h.maxFiles))
	}

	documentID := c.FormValue("documentId")
	if documentID != "" && len(headers) > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "documentId is only allowed with a single file")
	}

	files := make([]ocr.File, 0, len(headers))
	for _, fh := range headers {
		f, err := readUpload(fh)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		files = append(files, f)
	}

	ctx := c.Request().Context()
	batch, err := h.svc.ProcessUpload(ctx, auth.UserIDFromContext(ctx), files, documentID)
	if err != nil {
		if errors.Is(err, ocr.ErrEngineUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "OCR engine unavailable"})
		}
		if errors.Is(err, ocr.ErrPoolClosed) {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "server is shutting down"})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "processing failed")
	}
	return c.JSON(http.StatusOK, batch)
}

func readUpload(fh *multipart.FileHeader) (ocr.File, error) {
	src, err := fh.Open()
	if err != nil {
		return ocr.File{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return ocr.File{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return ocr.File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Data:        data,
	}, nil
}

func (h *Handler) GetDocumentResults(c echo.Context) error {
	ctx := c.Request().Context()
	results, err := h.svc.DocumentResults(ctx, auth.UserIDFromContext(ctx), c.Param("id"))
	switch {
	case errors.Is(err, ErrPersistenceDisabled):
		return echo.NewHTTPError(http.StatusNotImplemented, "result storage is not configured")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load results")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"documentId": c.Param("id"),
		"labResults": results,
	})
}

func (h *Handler) ListLabResults(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	results, total, err := h.svc.ListResults(ctx, auth.UserIDFromContext(ctx), c.QueryParam("test"), pg.Limit, pg.Offset)
	switch {
	case errors.Is(err, ErrPersistenceDisabled):
		return echo.NewHTTPError(http.StatusNotImplemented, "result storage is not configured")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list results")
	}
	if results == nil {
		results = []LabResult{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(results, total, pg.Limit, pg.Offset).WithNext(c.Request().URL))
}
