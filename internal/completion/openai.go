package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIBackend talks to any OpenAI-compatible chat completion endpoint
// (OpenAI, vLLM, llama.cpp server, LM Studio).
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend creates a backend for baseURL. An empty apiKey is
// replaced by a placeholder since local servers ignore it.
func NewOpenAIBackend(baseURL, apiKey string) *OpenAIBackend {
	if apiKey == "" {
		apiKey = "NO-KEY"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg)}
}

// Name implements Backend.
func (o *OpenAIBackend) Name() string { return "openai" }

// Complete implements Backend.
func (o *OpenAIBackend) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Instruction},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		N:           1,
	})
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("backend returned no choices")
	}

	return Response{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode, fmt.Errorf("chat completion: %w", err))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode, fmt.Errorf("chat completion: %w", err))
	}
	// transport failure
	return &retryableError{err: fmt.Errorf("chat completion: %w", err)}
}

var _ Backend = (*OpenAIBackend)(nil)
