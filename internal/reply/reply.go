// Package reply generates automated responses for inbound messages.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wirelead/wirelead/internal/persona"
)

// ErrEmptyReply is returned when the model produced no usable text.
var ErrEmptyReply = errors.New("empty reply")

// HistoryEntry is one prior message in chronological order.
type HistoryEntry struct {
	FromContact bool
	Body        string
}

// Request carries everything needed to draft one reply.
type Request struct {
	Persona  persona.Persona
	Incoming string
	History  []HistoryEntry
}

// Generator drafts a reply to an inbound message.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// OpenAIGenerator drafts replies with the OpenAI chat completions API.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIGenerator creates a generator. baseURL is optional and supports
// OpenAI-compatible endpoints.
func NewOpenAIGenerator(log *slog.Logger, apiKey, baseURL, model string, timeout time.Duration) *OpenAIGenerator {
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		logger:  log.With(slog.String("component", "reply")),
	}
}

// Generate drafts a reply using the persona instructions and recent history.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if instructions := strings.TrimSpace(req.Persona.Instructions); instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}
	for _, entry := range req.History {
		role := openai.ChatMessageRoleAssistant
		if entry.FromContact {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: entry.Body,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Incoming,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
