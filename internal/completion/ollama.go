package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LangChainBackend adapts a langchaingo model, Ollama by default.
type LangChainBackend struct {
	model llms.Model
	name  string
}

// NewOllamaBackend creates a backend for an Ollama server.
func NewOllamaBackend(serverURL, model string) (*LangChainBackend, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return &LangChainBackend{model: llm, name: "ollama"}, nil
}

// NewLangChainBackend wraps any langchaingo model.
func NewLangChainBackend(name string, model llms.Model) *LangChainBackend {
	return &LangChainBackend{model: model, name: name}
}

// Name implements Backend.
func (l *LangChainBackend) Name() string { return l.name }

// Complete implements Backend.
func (l *LangChainBackend) Complete(ctx context.Context, req Request) (Response, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Instruction),
	}
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := l.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, err
		}
		// langchaingo does not expose status codes; treat as transient
		return Response{}, &retryableError{err: fmt.Errorf("%s generate: %w", l.name, err)}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, errors.New("backend returned no choices")
	}

	choice := resp.Choices[0]
	return Response{
		Content:          choice.Content,
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ Backend = (*LangChainBackend)(nil)
