package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor pulls plain text out of PDF documents.
type PDFExtractor struct{}

// NewPDFExtractor creates a document text backend.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract parses in a goroutine so a pathological document cannot hold
// the caller past its deadline.
func (e *PDFExtractor) Extract(ctx context.Context, att Attachment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	type parsed struct {
		text string
		err  error
	}
	out := make(chan parsed, 1)
	go func() {
		text, err := parsePDF(att.Data)
		out <- parsed{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case p := <-out:
		return p.text, p.err
	}
}

func parsePDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}
