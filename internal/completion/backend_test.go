package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestOpenAIBackend_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model       string  `json:"model"`
			MaxTokens   int     `json:"max_tokens"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "coder", body.Model)
		assert.Equal(t, 1234, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "fix it", body.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "model": "coder",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 7, "total_tokens": 18}
		}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend(srv.URL+"/v1", "sk-test")
	resp, err := b.Complete(context.Background(), Request{
		System: "sys", Instruction: "fix it", Model: "coder", MaxTokens: 1234, Temperature: 0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 11, resp.PromptTokens)
	assert.Equal(t, 7, resp.CompletionTokens)
}

func TestOpenAIBackend_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "x"}}`))
			}))
			defer srv.Close()

			_, err := NewOpenAIBackend(srv.URL+"/v1", "k").Complete(context.Background(), Request{Model: "m"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestOpenAIBackend_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOpenAIBackend(url+"/v1", "k").Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

// stubModel is a langchaingo model with a canned answer.
type stubModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	resp     *llms.ContentResponse
	err      error
}

func (s *stubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	s.messages = messages
	for _, o := range options {
		o(&s.opts)
	}
	return s.resp, s.err
}

func (s *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func TestLangChainBackend_Complete(t *testing.T) {
	model := &stubModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        "answer",
		GenerationInfo: map[string]any{"PromptTokens": 21, "CompletionTokens": float64(9)},
	}}}}
	b := NewLangChainBackend("stub", model)

	resp, err := b.Complete(context.Background(), Request{System: "sys", Instruction: "fix", MaxTokens: 99, Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, 21, resp.PromptTokens)
	assert.Equal(t, 9, resp.CompletionTokens)
	assert.Equal(t, "stub", b.Name())

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, 99, model.opts.MaxTokens)
	assert.InDelta(t, 0.3, model.opts.Temperature, 1e-9)
}

func TestLangChainBackend_Errors(t *testing.T) {
	b := NewLangChainBackend("stub", &stubModel{err: errors.New("connection reset")})
	_, err := b.Complete(context.Background(), Request{})
	assert.True(t, IsRetryable(err))

	b = NewLangChainBackend("stub", &stubModel{resp: &llms.ContentResponse{}})
	_, err = b.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestNewOllamaBackend(t *testing.T) {
	b, err := NewOllamaBackend("http://127.0.0.1:11434", "codellama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", b.Name())
}
