package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const imagePrompt = "Describe the content of this image in one or two short sentences, including any visible text."

// WhisperExtractor transcribes audio with the OpenAI audio API.
type WhisperExtractor struct {
	client *openai.Client
	model  string
}

// NewWhisperExtractor creates an audio transcription backend.
func NewWhisperExtractor(client *openai.Client, model string) *WhisperExtractor {
	return &WhisperExtractor{client: client, model: model}
}

func (e *WhisperExtractor) Extract(ctx context.Context, att Attachment) (string, error) {
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		Reader:   bytes.NewReader(att.Data),
		FilePath: audioFileName(att),
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return resp.Text, nil
}

// audioFileName picks a name with an extension the API can use to detect
// the container format.
func audioFileName(att Attachment) string {
	if att.FileName != "" {
		return att.FileName
	}
	switch {
	case strings.Contains(att.Mime, "ogg"):
		return "audio.ogg"
	case strings.Contains(att.Mime, "mp4"), strings.Contains(att.Mime, "m4a"):
		return "audio.m4a"
	case strings.Contains(att.Mime, "wav"):
		return "audio.wav"
	default:
		return "audio.mp3"
	}
}

// VisionExtractor describes images with an OpenAI vision-capable model.
type VisionExtractor struct {
	client *openai.Client
	model  string
}

// NewVisionExtractor creates an image description backend.
func NewVisionExtractor(client *openai.Client, model string) *VisionExtractor {
	return &VisionExtractor{client: client, model: model}
}

func (e *VisionExtractor) Extract(ctx context.Context, att Attachment) (string, error) {
	mime := att.Mime
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(att.Data))

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: imagePrompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision completion: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
