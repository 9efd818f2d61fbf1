//go:build integration
// +build integration

package project

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/log"
	"github.com/atelier-dev/atelier/internal/testutil"
)

func setupIntegrationTest(t *testing.T) (*Store, func()) {
	t.Helper()
	dbContainer, cleanup := testutil.SetupTestDB(t)
	store := NewStore(dbContainer.Pool, log.NewNop())
	return store, cleanup
}

func TestStore_CreateAndGetProject(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "user-1", "Counter App")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Fatal("CreateProject returned nil UUID")
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	got, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.UserID != "user-1" || got.Name != "Counter App" {
		t.Errorf("GetProject = %+v, want user-1/Counter App", got)
	}
}

func TestStore_GetProjectNotFound(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()

	_, err := store.GetProject(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProject of missing id = %v, want ErrNotFound", err)
	}
}

func TestStore_ResolveFilesEmptyProject(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	files, err := store.ResolveFiles(ctx, p.ID)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ResolveFiles of fresh project = %v, want empty", files)
	}
}

// Failed turns carry no fragment, so file state must survive any number of
// error outcomes unchanged.
func TestStore_ResolveFilesIgnoresErrors(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")

	baseline := FileMap{"app/page.tsx": "<counter>"}
	if _, err := store.CreateResult(ctx, p.ID, ResultParams{
		Body:  "Built a counter",
		Title: "Counter",
		Files: baseline,
	}); err != nil {
		t.Fatalf("CreateResult: %v", err)
	}

	before, err := store.ResolveFiles(ctx, p.ID)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}

	for range 3 {
		if _, err := store.CreateError(ctx, p.ID); err != nil {
			t.Fatalf("CreateError: %v", err)
		}
	}

	after, err := store.ResolveFiles(ctx, p.ID)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("file state changed across failed turns: before=%v after=%v", before, after)
	}
	if !reflect.DeepEqual(after, baseline) {
		t.Errorf("ResolveFiles = %v, want %v", after, baseline)
	}
}

func TestStore_ResolveFilesPicksLatestFragment(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")

	store.CreateResult(ctx, p.ID, ResultParams{Files: FileMap{"a.txt": "v1"}})
	store.CreateResult(ctx, p.ID, ResultParams{Files: FileMap{"a.txt": "v2", "b.txt": "new"}})

	files, err := store.ResolveFiles(ctx, p.ID)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	want := FileMap{"a.txt": "v2", "b.txt": "new"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("ResolveFiles = %v, want %v", files, want)
	}
}

// Timestamps can collide under concurrent turns; the message id breaks the
// tie so resolution and listing stay deterministic.
func TestStore_ResolveFilesDeterministicOnTimestampTie(t *testing.T) {
	dbContainer, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store := NewStore(dbContainer.Pool, log.NewNop())
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")

	store.CreateResult(ctx, p.ID, ResultParams{Files: FileMap{"a.txt": "first"}})
	store.CreateResult(ctx, p.ID, ResultParams{Files: FileMap{"a.txt": "second"}})

	// Collapse both messages onto the same timestamp.
	if _, err := dbContainer.Pool.Exec(ctx,
		`UPDATE messages SET created_at = '2026-01-02 03:04:05+00' WHERE project_id = $1`, p.ID); err != nil {
		t.Fatalf("forcing timestamp tie: %v", err)
	}

	first, err := store.ResolveFiles(ctx, p.ID)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	for range 5 {
		again, err := store.ResolveFiles(ctx, p.ID)
		if err != nil {
			t.Fatalf("ResolveFiles: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution flapped on timestamp tie: %v then %v", first, again)
		}
	}

	// The resolved snapshot must be the fragment of the last listed message.
	messages, err := store.ListMessages(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	last := messages[len(messages)-1]
	if last.Fragment == nil {
		t.Fatal("expected fragment on the last listed message")
	}
	if !reflect.DeepEqual(first, last.Fragment.Files) {
		t.Errorf("ResolveFiles = %v, want last listed fragment %v", first, last.Fragment.Files)
	}
}

// Repeated resolves with no intervening write must return identical maps.
func TestStore_ResolveFilesIdempotent(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")
	store.CreateResult(ctx, p.ID, ResultParams{Files: FileMap{"x.go": "package x"}})

	first, err := store.ResolveFiles(ctx, p.ID)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	second, err := store.ResolveFiles(ctx, p.ID)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("ResolveFiles not idempotent: %v then %v", first, second)
	}
}

func TestStore_CreateResultAttachesFragment(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")

	m, err := store.CreateResult(ctx, p.ID, ResultParams{
		Body:       "Here is your app",
		Title:      "Todo App",
		PreviewURL: "https://3000-abc.sandbox.example.com",
		Files:      FileMap{"app/page.tsx": "<todo>"},
	})
	if err != nil {
		t.Fatalf("CreateResult: %v", err)
	}
	if m.Kind != KindResult || m.Role != RoleAssistant {
		t.Errorf("message = %s/%s, want assistant/result", m.Role, m.Kind)
	}
	if m.Fragment == nil {
		t.Fatal("CreateResult returned message without fragment")
	}
	if m.Fragment.Title != "Todo App" {
		t.Errorf("fragment title = %q", m.Fragment.Title)
	}

	// Round-trip through ListMessages.
	messages, err := store.ListMessages(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("ListMessages returned %d messages, want 1", len(messages))
	}
	if messages[0].Fragment == nil {
		t.Fatal("listed result message lost its fragment")
	}
	if messages[0].Fragment.Files["app/page.tsx"] != "<todo>" {
		t.Errorf("fragment files = %v", messages[0].Fragment.Files)
	}
}

func TestStore_CreateErrorHasNoFragment(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")

	m, err := store.CreateError(ctx, p.ID)
	if err != nil {
		t.Fatalf("CreateError: %v", err)
	}
	if m.Kind != KindError {
		t.Errorf("kind = %s, want error", m.Kind)
	}
	if m.Body != ErrorBody {
		t.Errorf("body = %q, want fixed error body", m.Body)
	}
	if m.Fragment != nil {
		t.Error("error message must not carry a fragment")
	}
}

// History ordering is the canonical conversation order.
func TestStore_ListMessagesOrdered(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")

	store.AppendUserMessage(ctx, p.ID, "build a counter", nil)
	store.CreateResult(ctx, p.ID, ResultParams{Body: "done", Files: FileMap{"a": "1"}})
	store.AppendUserMessage(ctx, p.ID, "add a reset button", []string{"https://img.example/1.png"})
	store.CreateError(ctx, p.ID)

	messages, err := store.ListMessages(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}

	if !sort.SliceIsSorted(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	}) {
		t.Error("messages not ordered by creation time")
	}

	wantRoles := []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	for i, m := range messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}

	if urls := messages[2].ImageURLs; len(urls) != 1 || urls[0] != "https://img.example/1.png" {
		t.Errorf("image urls = %v", messages[2].ImageURLs)
	}
}

func TestStore_SanitizesPersistedText(t *testing.T) {
	store, cleanup := setupIntegrationTest(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "user-1", "")

	m, err := store.CreateResult(ctx, p.ID, ResultParams{
		Body:  "done\x00 now",
		Title: "Ti\x00tle",
		Files: FileMap{"a.txt": "con\x00tent"},
	})
	if err != nil {
		t.Fatalf("CreateResult: %v", err)
	}
	if m.Body != "done now" {
		t.Errorf("body = %q, NUL not stripped", m.Body)
	}
	if m.Fragment.Title != "Title" {
		t.Errorf("title = %q, NUL not stripped", m.Fragment.Title)
	}
	if m.Fragment.Files["a.txt"] != "content" {
		t.Errorf("file content = %q, NUL not stripped", m.Fragment.Files["a.txt"])
	}
}
