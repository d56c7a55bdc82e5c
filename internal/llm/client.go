// Package llm implements the streaming generation client and the incremental
// parser for its mixed free-text/JSON responses.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/surgeonlogic/policybuilder/internal/config"
)

// Turn is one prior conversation turn sent as model context.
type Turn struct {
	Role    string
	Content string
}

// Request is a single generation request: ordered prior turns plus the final
// user content. The system prompt is supplied by the client implementation.
type Request struct {
	History     []Turn
	UserContent string
}

// Generator produces a token stream for a generation request.
// This interface is implemented by the OpenAI-compatible client.
type Generator interface {
	// Stream issues the request and yields text deltas in arrival order.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Ensure OpenAIClient implements Generator.
var _ Generator = (*OpenAIClient)(nil)

// OpenAIClient calls an OpenAI-compatible chat completion API with streaming.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewOpenAIClient constructs a streaming generation client from configuration.
func NewOpenAIClient(cfg config.GenerationConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.RequestTimeout,
		logger:    logger,
	}
}

// Stream issues a streaming chat completion and yields text deltas as they
// arrive. The sequence ends after the final delta, or after one error.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: SystemPrompt,
		})
		for _, turn := range req.History {
			role := turn.Role
			if role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
				role = openai.ChatMessageRoleUser
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserContent,
		})

		c.logger.Debug("starting generation stream",
			"model", c.model,
			"history_turns", len(req.History),
		)
		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   c.maxTokens,
			Temperature: 0.2,
			Stream:      true,
		})
		if err != nil {
			yield("", fmt.Errorf("generation request failed: %w", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("generation stream error: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}
