// Package completion turns an issue into candidate fixes by asking a
// chat-completion backend for full replacement files.
//
// Engine.Generate fans a batch of independent requests out over a bounded
// worker pool. Each request has its own timeout and retry budget, so one
// slow or failing slot degrades the batch instead of blocking it. Only a
// batch in which no request got any answer is an error.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/config"
	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrGenerationTimeout marks a slot whose request ran past its timeout.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrGenerationUnavailable means no request of a batch got an answer
	// because the backend could not be reached, even after retries.
	ErrGenerationUnavailable = errors.New("generation backend unavailable")

	// ErrGenerationRejected means no request of a batch got an answer and
	// the backend refused at least one of them outright (bad request,
	// context length, content filter). The backend is up; the issue is not
	// workable.
	ErrGenerationRejected = errors.New("generation rejected by backend")

	// ErrPromptTooLarge means the file does not leave room for an answer
	// in the model's context window.
	ErrPromptTooLarge = errors.New("prompt exceeds context window")
)

const defaultBaseBackoff = 500 * time.Millisecond

// Config tunes an Engine.
type Config struct {
	Model         string
	Temperature   float64
	Concurrency   int
	Timeout       time.Duration
	MaxRetries    int
	RateLimit     float64
	Burst         int
	ContextSize   int
	ReserveTokens int
}

// FromSettings maps the backend section of the configuration.
func FromSettings(s config.BackendConfig) Config {
	return Config{
		Model:         s.Model,
		Temperature:   s.Temperature,
		Concurrency:   s.Concurrency,
		Timeout:       s.Timeout.Duration(),
		MaxRetries:    s.MaxRetries,
		RateLimit:     s.RateLimit,
		Burst:         s.Burst,
		ContextSize:   s.ContextSize,
		ReserveTokens: s.ReserveTokens,
	}
}

// NewBackend creates the backend selected by the provider setting.
func NewBackend(s config.BackendConfig) (Backend, error) {
	switch s.Provider {
	case "openai", "":
		return NewOpenAIBackend(s.BaseURL, s.APIKey.Value()), nil
	case "ollama":
		return NewOllamaBackend(s.BaseURL, s.Model)
	default:
		return nil, fmt.Errorf("unknown backend provider %q", s.Provider)
	}
}

// Params are the generation parameters recorded with every candidate.
type Params struct {
	Backend     string  `json:"backend"`
	Model       string  `json:"model"`
	Count       int     `json:"count"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Candidate is one proposed full-file replacement. It is never mutated
// after Generate returns.
type Candidate struct {
	IssueKey    string `json:"issue_key"`
	Index       int    `json:"index"`
	Path        string `json:"path"`
	Original    string `json:"-"`
	Content     string `json:"-"`
	System      string `json:"-"`
	Instruction string `json:"-"`
	Params      Params `json:"params"`
	Completion  string `json:"-"`
	// Err is why the candidate cannot be applied, nil if it can.
	Err          error  `json:"-"`
	Error        string `json:"error,omitempty"`
	ChangedLines int    `json:"changed_lines"`
	// Answered is false when the backend never responded for this slot.
	Answered bool `json:"answered"`
}

// Valid reports whether the candidate can be applied.
func (c Candidate) Valid() bool {
	return c.Err == nil && c.Content != ""
}

// Usage accumulates backend consumption over a run.
type Usage struct {
	generations      atomic.Int64
	completions      atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// UsageStats is a point-in-time copy of Usage.
type UsageStats struct {
	Generations      int64 `json:"generations"`
	Completions      int64 `json:"completions"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Snapshot returns the current totals.
func (u *Usage) Snapshot() UsageStats {
	return UsageStats{
		Generations:      u.generations.Load(),
		Completions:      u.completions.Load(),
		PromptTokens:     u.promptTokens.Load(),
		CompletionTokens: u.completionTokens.Load(),
	}
}

// Engine generates candidate batches.
type Engine struct {
	backend     Backend
	cfg         Config
	limiter     *rate.Limiter
	usage       Usage
	baseBackoff time.Duration
	logger      *logging.Logger
}

// NewEngine creates an Engine. logger may be nil.
func NewEngine(backend Backend, cfg Config, logger *logging.Logger) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Burst < 1 {
		cfg.Burst = cfg.Concurrency
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		backend:     backend,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, cfg.Burst),
		baseBackoff: defaultBaseBackoff,
		logger:      logger.Named("completion"),
	}
}

// Usage returns the run totals so far.
func (e *Engine) Usage() UsageStats { return e.usage.Snapshot() }

// Generate requests count independent candidates for iss given the
// current content of its file. The result is ordered by index and has
// count entries; slots that failed carry Err. When no slot got an answer
// it returns ErrGenerationRejected if the backend refused any request
// outright, ErrGenerationUnavailable otherwise. ErrPromptTooLarge means
// the prompt leaves no room for an answer.
func (e *Engine) Generate(ctx context.Context, iss issue.Issue, content string, count int) ([]Candidate, error) {
	if count < 1 {
		return nil, fmt.Errorf("candidate count must be >= 1, got %d", count)
	}

	prompt, err := BuildPrompt(iss, content)
	if err != nil {
		return nil, fmt.Errorf("rendering prompt: %w", err)
	}
	maxTokens := MaxTokens(e.cfg.ContextSize, e.cfg.ReserveTokens, prompt)
	if e.cfg.ContextSize > 0 && maxTokens < 1 {
		return nil, fmt.Errorf("%w: ~%d prompt tokens, context %d",
			ErrPromptTooLarge, EstimateTokens(prompt.System)+EstimateTokens(prompt.Instruction), e.cfg.ContextSize)
	}
	if e.cfg.ContextSize <= 0 {
		maxTokens = 0
	}

	params := Params{
		Backend:     e.backend.Name(),
		Model:       e.cfg.Model,
		Count:       count,
		MaxTokens:   maxTokens,
		Temperature: e.cfg.Temperature,
	}
	req := Request{
		System:      prompt.System,
		Instruction: prompt.Instruction,
		Model:       e.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: e.cfg.Temperature,
	}

	e.usage.generations.Add(1)
	start := time.Now()

	candidates := make([]Candidate, count)
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for n := range count {
		g.Go(func() error {
			candidates[n] = e.generateOne(ctx, iss, content, prompt, params, req, n)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	answered, valid := 0, 0
	var unreachable, rejected error
	for _, c := range candidates {
		switch {
		case c.Answered:
			answered++
		case unavailable(c.Err):
			if unreachable == nil {
				unreachable = c.Err
			}
		default:
			if rejected == nil {
				rejected = c.Err
			}
		}
		if c.Valid() {
			valid++
		}
	}

	e.logger.Info(ctx, "generated candidates",
		zap.Int("requested", count),
		zap.Int("answered", answered),
		zap.Int("valid", valid),
		zap.Duration("duration", time.Since(start)))

	switch {
	case answered > 0:
		return candidates, nil
	case rejected != nil:
		return candidates, fmt.Errorf("%w: %w", ErrGenerationRejected, rejected)
	default:
		return candidates, fmt.Errorf("%w: %w", ErrGenerationUnavailable, unreachable)
	}
}

// unavailable reports whether a slot error means the backend could not be
// reached: transport failures, 429/5xx after retries, and timeouts.
func unavailable(err error) bool {
	return IsRetryable(err) || errors.Is(err, ErrGenerationTimeout)
}

func (e *Engine) generateOne(ctx context.Context, iss issue.Issue, content string, prompt Prompt, params Params, req Request, n int) Candidate {
	cand := Candidate{
		IssueKey:    iss.Key,
		Index:       n,
		Path:        iss.Path(),
		Original:    content,
		System:      prompt.System,
		Instruction: prompt.Instruction,
		Params:      params,
	}

	resp, err := e.complete(ctx, req)
	if err != nil {
		cand.Err = err
		cand.Error = err.Error()
		e.logger.Debug(ctx, "candidate request failed", zap.Int("index", n), zap.Error(err))
		return cand
	}

	e.usage.completions.Add(1)
	e.usage.promptTokens.Add(int64(resp.PromptTokens))
	e.usage.completionTokens.Add(int64(resp.CompletionTokens))

	cand.Answered = true
	cand.Completion = resp.Content
	replacement, err := Extract(content, resp.Content, prompt.TopMarker)
	cand.Content = replacement
	cand.ChangedLines = ChangedLines(content, replacement)
	if err != nil {
		cand.Err = err
		cand.Error = err.Error()
	}
	return cand
}

// complete runs one request with rate limiting, a per-attempt timeout and
// exponential backoff between retryable failures.
func (e *Engine) complete(ctx context.Context, req Request) (Response, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter error: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		resp, err := e.backend.Complete(reqCtx, req)
		timedOut := errors.Is(reqCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if timedOut {
			return Response{}, fmt.Errorf("%w after %s", ErrGenerationTimeout, e.cfg.Timeout)
		}

		lastErr = err
		if !IsRetryable(err) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}
