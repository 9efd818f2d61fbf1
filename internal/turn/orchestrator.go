// Package turn coordinates one build turn end to end: it persists the
// user's message, gates on credits, resolves the project's current files,
// runs the generation agent in a fresh sandbox session, and persists
// exactly one assistant outcome.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/builder"
	"github.com/atelier-dev/atelier/internal/credit"
	"github.com/atelier-dev/atelier/internal/log"
	"github.com/atelier-dev/atelier/internal/project"
	"github.com/atelier-dev/atelier/internal/sandbox"
)

// ErrGenerationFailed indicates the turn ended with an error outcome. The
// user sees the fixed error message; the cause is in the wrapped error and
// the logs only.
var ErrGenerationFailed = errors.New("generation failed")

// MessageStore is the slice of project.Store the orchestrator needs.
type MessageStore interface {
	AppendUserMessage(ctx context.Context, projectID uuid.UUID, body string, imageURLs []string) (*project.Message, error)
	ListMessages(ctx context.Context, projectID uuid.UUID) ([]*project.Message, error)
	ResolveFiles(ctx context.Context, projectID uuid.UUID) (project.FileMap, error)
	CreateResult(ctx context.Context, projectID uuid.UUID, params project.ResultParams) (*project.Message, error)
	CreateError(ctx context.Context, projectID uuid.UUID) (*project.Message, error)
}

// CreditGate charges one credit per attempted turn.
type CreditGate interface {
	Consume(ctx context.Context, userID string) (*credit.Receipt, error)
}

// Generator runs the build agent. Implemented by *builder.Builder.
type Generator interface {
	Run(ctx context.Context, input builder.Input) (*builder.Result, error)
	Title(ctx context.Context, summary string) string
	Reply(ctx context.Context, summary string) string
}

// Config contains all required parameters for the Orchestrator.
type Config struct {
	Store     MessageStore
	Credits   CreditGate
	Runtime   sandbox.Runtime
	Generator Generator
	Logger    log.Logger

	TurnTimeout time.Duration // Whole-turn wall clock ceiling
	PreviewPort int           // Port the generated app serves on
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return errors.New("message store is required")
	}
	if cfg.Credits == nil {
		return errors.New("credit gate is required")
	}
	if cfg.Runtime == nil {
		return errors.New("sandbox runtime is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Orchestrator drives build turns. Stateless; safe for concurrent turns.
type Orchestrator struct {
	store       MessageStore
	credits     CreditGate
	runtime     sandbox.Runtime
	generator   Generator
	logger      log.Logger
	turnTimeout time.Duration
	previewPort int
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	port := cfg.PreviewPort
	if port <= 0 {
		port = 3000
	}
	return &Orchestrator{
		store:       cfg.Store,
		credits:     cfg.Credits,
		runtime:     cfg.Runtime,
		generator:   cfg.Generator,
		logger:      cfg.Logger,
		turnTimeout: timeout,
		previewPort: port,
	}, nil
}

// Request describes one build turn.
type Request struct {
	UserID    string
	ProjectID uuid.UUID
	Prompt    string
	ImageURLs []string
}

// RunTurn executes one build turn and returns the persisted assistant
// message. The user message is persisted first and stands regardless of
// the outcome.
//
// After the credit charge succeeds, exactly one assistant message is
// persisted: a result on success, the fixed error message otherwise. In
// the failure case the returned error carries the cause (wrapped in
// ErrGenerationFailed) alongside the persisted error message.
//
// A quota denial returns credit.ErrQuotaExhausted with no assistant
// message.
func (o *Orchestrator) RunTurn(ctx context.Context, req Request) (*project.Message, error) {
	logger := o.logger.With("project_id", req.ProjectID, "user_id", req.UserID)
	start := time.Now()

	// One wall-clock ceiling covers the whole turn, persistence and gating
	// included, so a stalled dependency can never hold a turn open forever.
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	if _, err := o.store.AppendUserMessage(ctx, req.ProjectID, req.Prompt, req.ImageURLs); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	receipt, err := o.credits.Consume(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, credit.ErrQuotaExhausted) {
			logger.Info("turn denied by credit gate")
			return nil, err
		}
		// The gate itself failed; no credit was charged, so no assistant
		// message is owed.
		return nil, fmt.Errorf("credit gate failed: %w", err)
	}
	logger.Debug("credit charged", "remaining", receipt.Remaining)

	// The credit is spent. From here on every path persists exactly one
	// assistant outcome.
	message, runErr := o.runGeneration(ctx, logger, req)
	if runErr != nil {
		logger.Warn("turn failed", "error", runErr, "elapsed", time.Since(start))
		errMsg, persistErr := o.store.CreateError(context.WithoutCancel(ctx), req.ProjectID)
		if persistErr != nil {
			logger.Error("failed to persist error outcome", "error", persistErr)
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, runErr)
		}
		return errMsg, fmt.Errorf("%w: %w", ErrGenerationFailed, runErr)
	}

	logger.Info("turn succeeded", "elapsed", time.Since(start))
	return message, nil
}

// runGeneration performs the sandboxed build and persists the result
// message on success. Any returned error means the caller must persist
// the error outcome.
func (o *Orchestrator) runGeneration(ctx context.Context, logger log.Logger, req Request) (*project.Message, error) {
	history, err := o.buildHistory(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	baseline, err := o.store.ResolveFiles(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve baseline files: %w", err)
	}

	session, err := sandbox.Open(ctx, o.runtime, o.logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The box must die even when the turn context already expired.
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer closeCancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("failed to close sandbox session", "error", err)
		}
	}()

	if err := session.Seed(ctx, baseline); err != nil {
		return nil, fmt.Errorf("failed to seed session: %w", err)
	}

	result, err := o.generator.Run(sandbox.ContextWithSession(ctx, session), builder.Input{
		Prompt:    req.Prompt,
		ImageURLs: req.ImageURLs,
		History:   history,
	})
	if err != nil {
		return nil, err
	}

	// A summary with no files is not a deliverable app.
	files := session.Files()
	if len(files) == 0 {
		return nil, fmt.Errorf("agent reported completion but wrote no files")
	}

	previewURL, err := session.PreviewURL(ctx, o.previewPort)
	if err != nil {
		logger.Warn("failed to resolve preview URL", "error", err)
		previewURL = ""
	}

	title := o.generator.Title(ctx, result.Summary)
	reply := o.generator.Reply(ctx, result.Summary)

	message, err := o.store.CreateResult(ctx, req.ProjectID, project.ResultParams{
		Body:       reply,
		Title:      title,
		PreviewURL: previewURL,
		Files:      files,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist result: %w", err)
	}
	logger.Debug("result persisted",
		"files", len(files),
		"iterations", result.Iterations,
	)
	return message, nil
}

// buildHistory converts the project's stored conversation into model
// messages, oldest first.
func (o *Orchestrator) buildHistory(ctx context.Context, projectID uuid.UUID) ([]*ai.Message, error) {
	stored, err := o.store.ListMessages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	// The current prompt was persisted right before the turn started and
	// comes back as the newest message. The builder adds the prompt itself,
	// so drop it here to avoid sending it twice.
	if n := len(stored); n > 0 && stored[n-1].Role == project.RoleUser {
		stored = stored[:n-1]
	}

	history := make([]*ai.Message, 0, len(stored))
	for _, m := range stored {
		switch m.Role {
		case project.RoleUser:
			history = append(history, ai.NewUserMessage(ai.NewTextPart(m.Body)))
		case project.RoleAssistant:
			history = append(history, ai.NewModelMessage(ai.NewTextPart(m.Body)))
		}
	}
	return history, nil
}
