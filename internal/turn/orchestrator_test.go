package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/builder"
	"github.com/atelier-dev/atelier/internal/credit"
	"github.com/atelier-dev/atelier/internal/log"
	"github.com/atelier-dev/atelier/internal/project"
	"github.com/atelier-dev/atelier/internal/sandbox"
)

// fakeStore records every persistence call.
type fakeStore struct {
	mu           sync.Mutex
	messages     []*project.Message
	baseline     project.FileMap
	results      []project.ResultParams
	errorsCount  int
	appendErr    error
	appendBlocks bool
	resolveErr   error
	createResErr error
}

func (s *fakeStore) AppendUserMessage(ctx context.Context, projectID uuid.UUID, body string, imageURLs []string) (*project.Message, error) {
	if s.appendBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	m := &project.Message{
		ID: uuid.New(), ProjectID: projectID,
		Role: project.RoleUser, Kind: project.KindResult,
		Body: body, ImageURLs: imageURLs,
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *fakeStore) ListMessages(_ context.Context, _ uuid.UUID) ([]*project.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*project.Message(nil), s.messages...), nil
}

func (s *fakeStore) ResolveFiles(_ context.Context, _ uuid.UUID) (project.FileMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	return s.baseline.Clone(), nil
}

func (s *fakeStore) CreateResult(_ context.Context, projectID uuid.UUID, params project.ResultParams) (*project.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createResErr != nil {
		return nil, s.createResErr
	}
	s.results = append(s.results, params)
	m := &project.Message{
		ID: uuid.New(), ProjectID: projectID,
		Role: project.RoleAssistant, Kind: project.KindResult,
		Body: params.Body,
		Fragment: &project.Fragment{
			Title: params.Title, PreviewURL: params.PreviewURL, Files: params.Files,
		},
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *fakeStore) CreateError(_ context.Context, projectID uuid.UUID) (*project.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorsCount++
	m := &project.Message{
		ID: uuid.New(), ProjectID: projectID,
		Role: project.RoleAssistant, Kind: project.KindError,
		Body: project.ErrorBody,
	}
	s.messages = append(s.messages, m)
	return m, nil
}

// outcomes counts persisted assistant messages.
func (s *fakeStore) outcomes() (results, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), s.errorsCount
}

type fakeGate struct {
	err      error
	consumed int
}

func (g *fakeGate) Consume(context.Context, string) (*credit.Receipt, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.consumed++
	return &credit.Receipt{Remaining: 4}, nil
}

// memBox is an in-memory sandbox box.
type memBox struct {
	mu     sync.Mutex
	files  map[string]string
	closed int
}

func (b *memBox) WriteFile(_ context.Context, path, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[path] = content
	return nil
}

func (b *memBox) ReadFile(_ context.Context, path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (b *memBox) RunCommand(context.Context, string) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{}, nil
}

func (b *memBox) Host(_ context.Context, port int) (string, error) {
	return fmt.Sprintf("preview.test:%d", port), nil
}

func (b *memBox) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

type memRuntime struct {
	box *memBox
	err error
}

func (r *memRuntime) Create(context.Context) (sandbox.Box, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.box, nil
}

// fakeGenerator simulates the agent: writes files through the session in
// ctx, then reports a summary.
type fakeGenerator struct {
	writes  project.FileMap
	runErr  error
	summary string
}

func (g *fakeGenerator) Run(ctx context.Context, _ builder.Input) (*builder.Result, error) {
	if g.runErr != nil {
		return nil, g.runErr
	}
	session, ok := sandbox.SessionFromContext(ctx)
	if !ok {
		return nil, errors.New("no session in context")
	}
	if len(g.writes) > 0 {
		if err := session.WriteFiles(ctx, g.writes); err != nil {
			return nil, err
		}
	}
	return &builder.Result{Summary: g.summary, Iterations: 1}, nil
}

func (g *fakeGenerator) Title(context.Context, string) string { return "Todo App" }
func (g *fakeGenerator) Reply(context.Context, string) string { return "Built your todo app." }

type fixture struct {
	store *fakeStore
	gate  *fakeGate
	box   *memBox
	gen   *fakeGenerator
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &fakeStore{baseline: project.FileMap{}},
		gate:  &fakeGate{},
		box:   &memBox{files: map[string]string{}},
		gen: &fakeGenerator{
			writes:  project.FileMap{"index.html": "<html>"},
			summary: "Built a todo app.",
		},
	}
	orch, err := New(Config{
		Store:     f.store,
		Credits:   f.gate,
		Runtime:   &memRuntime{box: f.box},
		Generator: f.gen,
		Logger:    log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.orch = orch
	return f
}

func request() Request {
	return Request{UserID: "user-1", ProjectID: uuid.New(), Prompt: "make a todo app"}
}

func TestRunTurnSuccess(t *testing.T) {
	f := newFixture(t)

	msg, err := f.orch.RunTurn(context.Background(), request())
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	if msg.Kind != project.KindResult || msg.Role != project.RoleAssistant {
		t.Errorf("outcome = %s/%s, want assistant/result", msg.Role, msg.Kind)
	}
	if msg.Fragment == nil {
		t.Fatal("result message must carry a fragment")
	}
	if msg.Fragment.Files["index.html"] != "<html>" {
		t.Errorf("fragment files = %v", msg.Fragment.Files)
	}
	if msg.Fragment.PreviewURL != "https://preview.test:3000" {
		t.Errorf("preview URL = %q", msg.Fragment.PreviewURL)
	}

	results, errs := f.store.outcomes()
	if results != 1 || errs != 0 {
		t.Errorf("outcomes = %d results, %d errors; want exactly one result", results, errs)
	}
	if f.box.closed == 0 {
		t.Error("sandbox must be closed after the turn")
	}
}

func TestRunTurnQuotaDenied(t *testing.T) {
	f := newFixture(t)
	f.gate.err = credit.ErrQuotaExhausted

	_, err := f.orch.RunTurn(context.Background(), request())
	if !errors.Is(err, credit.ErrQuotaExhausted) {
		t.Fatalf("error = %v, want ErrQuotaExhausted", err)
	}

	// The user message stands; no assistant message of either kind.
	results, errs := f.store.outcomes()
	if results != 0 || errs != 0 {
		t.Errorf("outcomes = %d results, %d errors; want none", results, errs)
	}
	if len(f.store.messages) != 1 || f.store.messages[0].Role != project.RoleUser {
		t.Error("exactly the user message must be persisted")
	}
}

func TestRunTurnGenerationFailurePersistsError(t *testing.T) {
	f := newFixture(t)
	f.gen.runErr = builder.ErrNoSummary

	msg, err := f.orch.RunTurn(context.Background(), request())
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}
	if !errors.Is(err, builder.ErrNoSummary) {
		t.Errorf("cause must be preserved in the chain, got %v", err)
	}

	if msg == nil || msg.Kind != project.KindError {
		t.Fatal("an error outcome must be persisted and returned")
	}
	if msg.Body != project.ErrorBody {
		t.Errorf("error body = %q, want the fixed user-facing text", msg.Body)
	}
	results, errs := f.store.outcomes()
	if results != 0 || errs != 1 {
		t.Errorf("outcomes = %d results, %d errors; want exactly one error", results, errs)
	}
	if f.box.closed == 0 {
		t.Error("sandbox must be closed after a failed turn")
	}
}

func TestRunTurnSummaryWithoutFilesIsError(t *testing.T) {
	f := newFixture(t)
	f.gen.writes = nil // agent claims success but wrote nothing

	msg, err := f.orch.RunTurn(context.Background(), request())
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}
	if msg.Kind != project.KindError {
		t.Error("empty file map must classify as error despite the summary")
	}
	results, errs := f.store.outcomes()
	if results != 0 || errs != 1 {
		t.Errorf("outcomes = %d results, %d errors", results, errs)
	}
}

func TestRunTurnSessionOpenFailure(t *testing.T) {
	f := newFixture(t)
	failing, err := New(Config{
		Store:     f.store,
		Credits:   f.gate,
		Runtime:   &memRuntime{err: errors.New("no capacity")},
		Generator: f.gen,
		Logger:    log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	msg, err := failing.RunTurn(context.Background(), request())
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}
	if msg == nil || msg.Kind != project.KindError {
		t.Error("session-open failure must persist the error outcome")
	}
	if f.gate.consumed != 1 {
		t.Error("credit is charged on attempt, even when the session never opens")
	}
}

func TestRunTurnDeadlineCoversPersistenceAndGating(t *testing.T) {
	f := newFixture(t)
	f.store.appendBlocks = true

	orch, err := New(Config{
		Store:       f.store,
		Credits:     f.gate,
		Runtime:     &memRuntime{box: f.box},
		Generator:   f.gen,
		Logger:      log.NewNop(),
		TurnTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := orch.RunTurn(context.Background(), request())
		done <- err
	}()

	// A stalled store must not hold the turn open past the ceiling.
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not end when the wall-clock ceiling elapsed")
	}

	if f.gate.consumed != 0 {
		t.Error("no credit may be charged when the user message never persists")
	}
	results, errs := f.store.outcomes()
	if results != 0 || errs != 0 {
		t.Error("no assistant outcome may be persisted")
	}
}

func TestRunTurnUserMessagePersistFailureChargesNothing(t *testing.T) {
	f := newFixture(t)
	f.store.appendErr = errors.New("db down")

	_, err := f.orch.RunTurn(context.Background(), request())
	if err == nil {
		t.Fatal("expected failure")
	}
	if f.gate.consumed != 0 {
		t.Error("no credit may be charged before the user message persists")
	}
	results, errs := f.store.outcomes()
	if results != 0 || errs != 0 {
		t.Error("no assistant outcome may be persisted")
	}
}

func TestRunTurnSeedsBaselineIntoSession(t *testing.T) {
	f := newFixture(t)
	f.store.baseline = project.FileMap{"existing.js": "old code"}

	if _, err := f.orch.RunTurn(context.Background(), request()); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	if f.box.files["existing.js"] != "old code" {
		t.Error("baseline files must be seeded into the sandbox")
	}
	// The persisted snapshot carries baseline plus new writes.
	results := f.store.results[0]
	if len(results.Files) != 2 {
		t.Errorf("persisted %d files, want baseline + generated", len(results.Files))
	}
}

func TestRunTurnHistoryExcludesCurrentPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := uuid.New()

	// Previous turn on record.
	if _, err := f.store.AppendUserMessage(ctx, projectID, "make a todo app", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.CreateResult(ctx, projectID, project.ResultParams{Body: "Done."}); err != nil {
		t.Fatal(err)
	}

	var gotHistory int
	f.orch.generator = generatorFunc(func(ctx context.Context, input builder.Input) (*builder.Result, error) {
		gotHistory = len(input.History)
		session, _ := sandbox.SessionFromContext(ctx)
		if err := session.WriteFiles(ctx, project.FileMap{"a.js": "x"}); err != nil {
			return nil, err
		}
		return &builder.Result{Summary: "ok"}, nil
	})

	req := Request{UserID: "user-1", ProjectID: projectID, Prompt: "add dark mode"}
	if _, err := f.orch.RunTurn(ctx, req); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	// Two prior messages; the just-appended prompt must not be in history.
	if gotHistory != 2 {
		t.Errorf("history length = %d, want 2", gotHistory)
	}
}

// generatorFunc adapts a function to Generator for one-off tests.
type generatorFunc func(context.Context, builder.Input) (*builder.Result, error)

func (f generatorFunc) Run(ctx context.Context, in builder.Input) (*builder.Result, error) {
	return f(ctx, in)
}
func (generatorFunc) Title(context.Context, string) string { return "Todo App" }
func (generatorFunc) Reply(context.Context, string) string { return "Done." }
