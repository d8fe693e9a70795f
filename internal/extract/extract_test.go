package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeExtractor struct {
	extractFunc func(ctx context.Context, att Attachment) (string, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, att Attachment) (string, error) {
	if f.extractFunc == nil {
		return "", errors.New("not implemented")
	}
	return f.extractFunc(ctx, att)
}

func TestDescribeSuccessAddsProvenanceMarker(t *testing.T) {
	t.Parallel()

	audio := &fakeExtractor{extractFunc: func(ctx context.Context, att Attachment) (string, error) {
		return "hello from a voice note", nil
	}}
	svc := NewService(nil, audio, nil, nil)

	result := svc.Describe(context.Background(), Attachment{Kind: KindAudio, Data: []byte("x")})
	if !result.Extracted {
		t.Fatalf("expected extracted result")
	}
	if result.Text != "[Audio transcribed: hello from a voice note]" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestDescribeFailureYieldsFallback(t *testing.T) {
	t.Parallel()

	image := &fakeExtractor{extractFunc: func(ctx context.Context, att Attachment) (string, error) {
		return "", errors.New("upstream unavailable")
	}}
	svc := NewService(nil, nil, image, nil)

	result := svc.Describe(context.Background(), Attachment{Kind: KindImage, Data: []byte("x")})
	if result.Extracted {
		t.Fatalf("expected non-extracted result")
	}
	if result.Text != "[Image received but could not be analyzed: upstream unavailable]" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestDescribeTimesOutSlowExtractor(t *testing.T) {
	t.Parallel()

	slow := &fakeExtractor{extractFunc: func(ctx context.Context, att Attachment) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc := NewService(nil, slow, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := svc.Describe(ctx, Attachment{Kind: KindAudio, Data: []byte("x")})
	if time.Since(start) > 5*time.Second {
		t.Fatalf("describe did not respect deadline")
	}
	if result.Extracted {
		t.Fatalf("expected fallback on timeout")
	}
	if !strings.Contains(result.Text, "timed out") {
		t.Fatalf("expected timeout reason, got %q", result.Text)
	}
}

func TestDescribeOversizedAudioSkipsBackend(t *testing.T) {
	t.Parallel()

	called := false
	audio := &fakeExtractor{extractFunc: func(ctx context.Context, att Attachment) (string, error) {
		called = true
		return "should not run", nil
	}}
	svc := NewService(nil, audio, nil, nil)

	big := Attachment{Kind: KindAudio, Data: make([]byte, MaxAudioBytes+1)}
	result := svc.Describe(context.Background(), big)
	if called {
		t.Fatalf("expected backend skipped for oversized audio")
	}
	if result.Text != "[Audio received but could not be transcribed: file too large]" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestDescribeEmptyDataSkipsBackend(t *testing.T) {
	t.Parallel()

	image := &fakeExtractor{extractFunc: func(ctx context.Context, att Attachment) (string, error) {
		t.Error("backend called for empty attachment")
		return "should not run", nil
	}}
	svc := NewService(nil, nil, image, nil)

	result := svc.Describe(context.Background(), Attachment{Kind: KindImage, Mime: "image/jpeg"})
	if result.Extracted {
		t.Fatalf("expected fallback for empty attachment")
	}
	if result.Text != "[Image received but could not be analyzed: media unavailable]" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestDescribeMissingExtractor(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, nil, nil, nil)
	result := svc.Describe(context.Background(), Attachment{Kind: KindDocument, Data: []byte("x")})
	if result.Extracted {
		t.Fatalf("expected fallback without extractor")
	}
	if !strings.Contains(result.Text, "no extractor configured") {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}
