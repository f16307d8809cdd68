package attachment

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// Extractor turns raw document bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, data []byte, mimeType string) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	return f(ctx, data, mimeType)
}

// DefaultExtractors has an extractor for every supported kind.
func DefaultExtractors() map[Kind]Extractor {
	return map[Kind]Extractor{
		KindText:        ExtractorFunc(extractText),
		KindPDF:         ExtractorFunc(extractPDF),
		KindSpreadsheet: ExtractorFunc(extractSpreadsheet),
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func extractText(_ context.Context, data []byte, mimeType string) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	switch normalizeMime(mimeType) {
	case "text/html", "application/xhtml+xml":
		md, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			return "", fmt.Errorf("convert html to markdown: %w", err)
		}
		return md, nil
	}
	return text, nil
}

func extractPDF(_ context.Context, data []byte, _ string) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	text = strings.TrimSpace(string(out))
	if text == "" {
		return "", fmt.Errorf("pdf has no extractable text")
	}
	return text, nil
}

// extractSpreadsheet renders every sheet of a workbook as CSV under a
// "## Sheet: name" heading.
func extractSpreadsheet(_ context.Context, data []byte, _ string) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## Sheet: %s\n", sheet)
		w := csv.NewWriter(&b)
		if err := w.WriteAll(rows); err != nil {
			return "", fmt.Errorf("write sheet %q: %w", sheet, err)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
