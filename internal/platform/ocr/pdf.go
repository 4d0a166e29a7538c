package ocr

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDFText reads the embedded text layer of a PDF, one output line per
// text row. Scanned PDFs without a text layer return an empty string; they
// are not rasterized for recognition.
func ExtractPDFText(data []byte) (text string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		for _, row := range rows {
			sb.WriteString(joinRow(row.Content))
			sb.WriteByte('\n')
		}
	}

	return sb.String(), nil
}

// joinRow concatenates the glyph runs of one row, inserting a space where
// the horizontal gap between runs is wider than a quarter of the font size.
func joinRow(texts pdf.TextHorizontal) string {
	var line strings.Builder
	var lastEnd float64
	for i, t := range texts {
		if i > 0 && t.X-lastEnd > t.FontSize*0.25 && !strings.HasSuffix(line.String(), " ") && !strings.HasPrefix(t.S, " ") {
			line.WriteByte(' ')
		}
		line.WriteString(t.S)
		lastEnd = t.X + t.W
	}
	return line.String()
}
