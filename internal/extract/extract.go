// Package extract turns message attachments into text. Extraction is
// best-effort: every outcome, including failure, yields a human-readable
// body so ingestion never stalls on an attachment.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind classifies an attachment for extraction purposes.
type Kind string

const (
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// MaxAudioBytes is the transcription size ceiling. Larger audio degrades
// to a fallback marker without calling the backend.
const MaxAudioBytes = 25 << 20

// Per-kind extraction deadlines.
const (
	audioTimeout    = 30 * time.Second
	imageTimeout    = 20 * time.Second
	documentTimeout = 30 * time.Second
)

// Attachment is downloaded media awaiting extraction.
type Attachment struct {
	Kind     Kind
	Mime     string
	FileName string
	Data     []byte
}

// Result is the outcome of describing one attachment. Text is always a
// usable message body; Extracted reports whether the backend succeeded.
type Result struct {
	Text      string
	Extracted bool
}

// Extractor converts one attachment kind into plain text.
type Extractor interface {
	Extract(ctx context.Context, att Attachment) (string, error)
}

// Service routes attachments to per-kind extractors with timeouts and
// provenance markers.
type Service struct {
	audio    Extractor
	image    Extractor
	document Extractor
	logger   *slog.Logger
}

// NewService creates an extraction service. Nil extractors degrade that
// kind to its fallback marker.
func NewService(log *slog.Logger, audio, image, document Extractor) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		audio:    audio,
		image:    image,
		document: document,
		logger:   log.With(slog.String("component", "extract")),
	}
}

// Describe extracts text from an attachment. It never returns an error:
// failures produce a fallback marker naming the reason.
func (s *Service) Describe(ctx context.Context, att Attachment) Result {
	if len(att.Data) == 0 {
		return fallback(att.Kind, "media unavailable")
	}
	if att.Kind == KindAudio && len(att.Data) > MaxAudioBytes {
		return fallback(att.Kind, "file too large")
	}

	extractor, timeout := s.route(att.Kind)
	if extractor == nil {
		return fallback(att.Kind, "no extractor configured")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := extractor.Extract(ctx, att)
	if err != nil {
		s.logger.Warn("attachment extraction failed",
			slog.String("kind", string(att.Kind)),
			slog.String("mime", att.Mime),
			slog.Any("error", err),
		)
		return fallback(att.Kind, reason(err))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback(att.Kind, "no text found")
	}
	return Result{Text: marker(att.Kind, text), Extracted: true}
}

func (s *Service) route(kind Kind) (Extractor, time.Duration) {
	switch kind {
	case KindAudio:
		return s.audio, audioTimeout
	case KindImage:
		return s.image, imageTimeout
	case KindDocument:
		return s.document, documentTimeout
	default:
		return nil, 0
	}
}

func marker(kind Kind, text string) string {
	switch kind {
	case KindAudio:
		return fmt.Sprintf("[Audio transcribed: %s]", text)
	case KindImage:
		return fmt.Sprintf("[Image content: %s]", text)
	default:
		return fmt.Sprintf("[Document content: %s]", text)
	}
}

func fallback(kind Kind, why string) Result {
	switch kind {
	case KindAudio:
		return Result{Text: fmt.Sprintf("[Audio received but could not be transcribed: %s]", why)}
	case KindImage:
		return Result{Text: fmt.Sprintf("[Image received but could not be analyzed: %s]", why)}
	default:
		return Result{Text: fmt.Sprintf("[Document received but could not be read: %s]", why)}
	}
}

func reason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return err.Error()
}
