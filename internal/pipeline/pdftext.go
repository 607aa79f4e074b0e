package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"lectern/internal/services"
)

// extractPDFText pulls the plain text out of a PDF file. Encrypted or
// malformed files surface as unsupported rather than crashing the worker;
// the pdf package panics on some corrupt inputs.
func extractPDFText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = services.Wrap(services.ErrUnsupportedType, "pipeline", "pdf",
				fmt.Sprintf("malformed PDF: %v", r), nil)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", services.Wrap(services.ErrUnsupportedType, "pipeline", "pdf", "open PDF", err)
	}
	defer f.Close()

	content, err := reader.GetPlainText()
	if err != nil {
		return "", services.Wrap(services.ErrUnsupportedType, "pipeline", "pdf", "read PDF text", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(content); err != nil {
		return "", fmt.Errorf("buffer PDF text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
