package judge

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type (
	// OpenAIClient implements ChatClient over any OpenAI-compatible chat
	// completion endpoint.
	OpenAIClient struct {
		client openai.Client
		model  string
	}

	// OpenAIOptions configures an OpenAIClient.
	OpenAIOptions struct {
		// APIKey authenticates requests. Required.
		APIKey string
		// BaseURL points at an OpenAI-compatible endpoint. Optional.
		BaseURL string
		// Model is the chat model name. Required.
		Model string
	}
)

// NewOpenAI creates a ChatClient for the given endpoint. Client-level retries
// are disabled: retry policy belongs to the caller.
func NewOpenAI(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	ropts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIClient{client: openai.NewClient(ropts...), model: opts.Model}, nil
}

// Complete implements ChatClient.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, maxTokens int64, temperature float64) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens:   openai.Int(maxTokens),
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
