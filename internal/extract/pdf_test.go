package extract

import (
	"context"
	"errors"
	"testing"
)

func TestPDFExtractStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPDFExtractor().Extract(ctx, Attachment{Kind: KindDocument, Data: []byte("%PDF-1.4")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPDFExtractRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NewPDFExtractor().Extract(context.Background(), Attachment{Kind: KindDocument, Data: []byte("not a pdf")})
	if err == nil {
		t.Fatal("expected an error for non-PDF data")
	}
}
