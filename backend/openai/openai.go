// Package openai provides an OpenAI-backed topiary.GenerationBackend that
// streams chat completions and reports provider token usage.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// Backend implements topiary.GenerationBackend over the OpenAI chat API.
type Backend struct {
	client *openai.Client
	config Config
}

// Config holds backend configuration.
type Config struct {
	// Models maps engine model IDs to OpenAI model names. Unmapped IDs are
	// passed through unchanged.
	Models map[string]string

	// MaxTokens caps the completion length (0 = provider default).
	MaxTokens int

	// SystemPrompt overrides the default system message.
	SystemPrompt string
}

const defaultSystemPrompt = "You are an expert writer producing clear, well-structured reference documents. " +
	"Write in plain prose without meta commentary."

// New creates a backend over an existing OpenAI client.
func New(client *openai.Client, config Config) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("openai client is required")
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}
	return &Backend{client: client, config: config}, nil
}

// Stream implements topiary.GenerationBackend. Provider usage figures arrive
// in the final stream event when StreamOptions.IncludeUsage is set; the
// returned StreamResult carries them when present. On error the result holds
// whatever text arrived before the failure so partial output can be charged.
func (b *Backend) Stream(ctx context.Context, req *topiary.BackendRequest, onChunk func(chunk string) error) (*topiary.StreamResult, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: b.modelName(req.ModelID),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: b.config.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
		MaxTokens:     b.config.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return &topiary.StreamResult{}, fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	var tokensUsed int64

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &topiary.StreamResult{Text: text.String(), TokensUsed: tokensUsed},
				fmt.Errorf("stream receive failed: %w", err)
		}

		if response.Usage != nil {
			tokensUsed = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}

		chunk := response.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)

		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return &topiary.StreamResult{Text: text.String(), TokensUsed: tokensUsed},
					fmt.Errorf("chunk consumer failed: %w", err)
			}
		}
	}

	return &topiary.StreamResult{Text: text.String(), TokensUsed: tokensUsed}, nil
}

func (b *Backend) modelName(modelID string) string {
	if name, ok := b.config.Models[modelID]; ok {
		return name
	}
	return modelID
}

// buildPrompt turns the ancestor path and query into one user message. The
// path gives the model the node's position in the topic tree so sibling
// documents stay consistent with their ancestors.
func buildPrompt(req *topiary.BackendRequest) string {
	var sb strings.Builder

	if len(req.Path) > 1 {
		sb.WriteString("Topic hierarchy, from broadest to most specific:\n")
		for i, q := range req.Path {
			sb.WriteString(fmt.Sprintf("%s- %s\n", strings.Repeat("  ", i), q))
		}
		sb.WriteString("\n")
	}

	context := ""
	if len(req.Path) > 1 {
		context = " in the context of the hierarchy above"
	}

	if req.Summarize {
		sb.WriteString(fmt.Sprintf("Write a concise summary of the topic %q%s, a few sentences at most.", req.Query, context))
	} else {
		sb.WriteString(fmt.Sprintf("Write a thorough reference document about %q%s.", req.Query, context))
	}

	return sb.String()
}
