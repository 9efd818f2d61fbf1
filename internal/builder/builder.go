// Package builder runs the generation agent for a single build turn.
//
// A Builder drives a bounded loop of model calls with workspace tools
// attached. The model writes files and runs commands through the turn's
// sandbox session, and signals completion by emitting a summary marker in
// its final message. The builder never touches the database; it reports a
// summary and leaves persistence to the caller.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/atelier-dev/atelier/internal/log"
)

// ErrNoSummary indicates the iteration budget ran out before the model
// emitted the completion marker.
var ErrNoSummary = errors.New("generation ended without a task summary")

// Config contains all required parameters for the Builder.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string
	Tools     []ai.Tool // Pre-registered via RegisterTools
	Logger    log.Logger

	MaxIterations int // Maximum generation loop iterations

	RetryConfig RetryConfig   // LLM retry settings (zero-value uses defaults)
	RateLimiter *rate.Limiter // Optional proactive rate limiting (nil = default)
}

// validate checks if all required parameters are present.
func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return errors.New("model name is required")
	}
	if len(cfg.Tools) == 0 {
		return errors.New("at least one tool is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Builder is the app-building agent for one deployment. It is stateless
// across turns; all configuration is captured immutably at construction so
// concurrent turns can share one instance.
type Builder struct {
	maxIterations int
	modelName     string

	retryConfig RetryConfig
	rateLimiter *rate.Limiter

	g        *genkit.Genkit
	logger   log.Logger
	toolRefs []ai.ToolRef
	tools    []ai.Tool
}

// New creates a Builder with the required configuration.
func New(cfg Config) (*Builder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 16
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}

	// Default: 10 requests/sec sustained, burst of 30.
	rl := cfg.RateLimiter
	if rl == nil {
		rl = rate.NewLimiter(10, 30)
	}

	toolRefs := make([]ai.ToolRef, len(cfg.Tools))
	for i, t := range cfg.Tools {
		toolRefs[i] = t
	}

	b := &Builder{
		maxIterations: maxIterations,
		modelName:     cfg.ModelName,
		retryConfig:   retryConfig,
		rateLimiter:   rl,
		g:             cfg.Genkit,
		logger:        cfg.Logger,
		toolRefs:      toolRefs,
		tools:         cfg.Tools,
	}

	b.logger.Info("builder initialized",
		"model", b.modelName,
		"tools", len(b.tools),
		"max_iterations", b.maxIterations,
	)
	return b, nil
}

// Input describes one build turn.
type Input struct {
	Prompt    string
	ImageURLs []string
	History   []*ai.Message // Prior turns, oldest first
}

// Result is the outcome of a completed build loop.
type Result struct {
	Summary    string // Text between the summary markers
	Iterations int    // Generation calls spent
}

// Run drives the generation loop until the model emits the completion
// marker or the iteration budget runs out. The sandbox session must
// already be bound into ctx; the tools resolve it from there.
//
// Returns ErrNoSummary when the budget is exhausted without a marker.
// Context expiry aborts the loop with the context's error.
func (b *Builder) Run(ctx context.Context, input Input) (*Result, error) {
	messages := b.buildMessages(input)

	for iteration := 1; iteration <= b.maxIterations; iteration++ {
		resp, err := b.generateWithRetry(ctx,
			ai.WithModelName(b.modelName),
			ai.WithSystem(systemPrompt),
			ai.WithMessages(messages...),
			ai.WithTools(b.toolRefs...),
			ai.WithMaxTurns(b.maxIterations),
		)
		if err != nil {
			return nil, fmt.Errorf("generation failed on iteration %d: %w", iteration, err)
		}

		text := resp.Text()
		b.logger.Debug("generation iteration complete",
			"iteration", iteration,
			"output_length", len(text),
		)

		if summary, ok := extractSummary(text); ok {
			return &Result{Summary: summary, Iterations: iteration}, nil
		}

		// The model stopped without finishing. Carry its output forward
		// and nudge it to continue so the next call has full context.
		messages = append(messages,
			ai.NewModelMessage(ai.NewTextPart(text)),
			ai.NewUserMessage(ai.NewTextPart(continuationPrompt)),
		)
	}

	return nil, fmt.Errorf("%w after %d iterations", ErrNoSummary, b.maxIterations)
}

// buildMessages assembles the conversation: prior history, then the user's
// prompt with any image attachments.
func (b *Builder) buildMessages(input Input) []*ai.Message {
	messages := make([]*ai.Message, 0, len(input.History)+1)
	messages = append(messages, input.History...)

	parts := []*ai.Part{ai.NewTextPart(input.Prompt)}
	for _, url := range input.ImageURLs {
		parts = append(parts, ai.NewMediaPart("", url))
	}
	messages = append(messages, ai.NewUserMessage(parts...))
	return messages
}

// generateWithRetry wraps genkit.Generate with rate limiting and
// exponential backoff for transient model failures.
func (b *Builder) generateWithRetry(ctx context.Context, opts ...ai.GenerateOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := b.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= b.retryConfig.MaxRetries; attempt++ {
		// Rate limit each attempt, retries included.
		if b.rateLimiter != nil {
			if err := b.rateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := genkit.Generate(ctx, b.g, opts...)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}
		if attempt == b.retryConfig.MaxRetries {
			break
		}

		b.logger.Debug("retrying after model error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, b.retryConfig.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		b.retryConfig.MaxRetries, time.Since(start), lastErr)
}

// extractSummary returns the text between the summary markers, trimmed.
// Reports false when the marker pair is absent or malformed. An empty
// marker body counts as present; the caller decides what an empty summary
// means.
func extractSummary(text string) (string, bool) {
	open := strings.Index(text, summaryOpen)
	if open < 0 {
		return "", false
	}
	rest := text[open+len(summaryOpen):]
	end := strings.Index(rest, summaryClose)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
