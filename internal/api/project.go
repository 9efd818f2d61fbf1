package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/credit"
	"github.com/atelier-dev/atelier/internal/log"
	"github.com/atelier-dev/atelier/internal/project"
	"github.com/atelier-dev/atelier/internal/turn"
)

// Request validation constants.
const (
	MaxProjectNameLength = 100
	MaxPromptLength      = 10000
	MaxImageAttachments  = 5
)

// ProjectStore is the slice of project.Store the handlers need.
type ProjectStore interface {
	CreateProject(ctx context.Context, userID, name string) (*project.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*project.Project, error)
	ListProjects(ctx context.Context, userID string) ([]*project.Project, error)
	ListMessages(ctx context.Context, projectID uuid.UUID) ([]*project.Message, error)
}

// TurnRunner executes build turns. Implemented by *turn.Orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, req turn.Request) (*project.Message, error)
}

// ProjectHandler handles project and message endpoints.
type ProjectHandler struct {
	store  ProjectStore
	turns  TurnRunner
	logger log.Logger

	// inflight tracks spawned build turns so shutdown can wait for their
	// outcomes to persist.
	inflight sync.WaitGroup
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(store ProjectStore, turns TurnRunner, logger log.Logger) *ProjectHandler {
	return &ProjectHandler{store: store, turns: turns, logger: logger}
}

// RegisterRoutes registers project routes on the given mux.
func (h *ProjectHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects", h.create)
	mux.HandleFunc("GET /api/projects", h.list)
	mux.HandleFunc("GET /api/projects/{id}", h.get)
	mux.HandleFunc("GET /api/projects/{id}/messages", h.listMessages)
	mux.HandleFunc("POST /api/projects/{id}/messages", h.startTurn)
}

// Wait blocks until all spawned build turns have finished.
func (h *ProjectHandler) Wait() {
	h.inflight.Wait()
}

// CreateProjectRequest is the request body for creating a project.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

func (h *ProjectHandler) create(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if len(req.Name) > MaxProjectNameLength {
		writeError(w, http.StatusBadRequest, "invalid_name", "name too long (max 100 characters)")
		return
	}
	if req.Name == "" {
		req.Name = "New Project"
	}

	p, err := h.store.CreateProject(r.Context(), user, req.Name)
	if err != nil {
		h.logger.Error("failed to create project", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, projectResponse(p))
}

func (h *ProjectHandler) list(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	projects, err := h.store.ListProjects(r.Context(), user)
	if err != nil {
		h.logger.Error("failed to list projects", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list projects")
		return
	}

	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out, "total": len(out)})
}

func (h *ProjectHandler) get(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	p, ok := h.ownedProject(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, projectResponse(p))
}

func (h *ProjectHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	p, ok := h.ownedProject(w, r, user)
	if !ok {
		return
	}

	messages, err := h.store.ListMessages(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("failed to list messages", "error", err, "project_id", p.ID)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list messages")
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "total": len(out)})
}

// StartTurnRequest is the request body for starting a build turn.
type StartTurnRequest struct {
	Prompt    string   `json:"prompt"`
	ImageURLs []string `json:"image_urls"`
}

// startTurn accepts a prompt and kicks off the build asynchronously. The
// client polls the message list for the outcome.
func (h *ProjectHandler) startTurn(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	p, ok := h.ownedProject(w, r, user)
	if !ok {
		return
	}

	var req StartTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_prompt", "prompt is required")
		return
	}
	if len(req.Prompt) > MaxPromptLength {
		writeError(w, http.StatusBadRequest, "invalid_prompt", "prompt too long (max 10000 characters)")
		return
	}
	if len(req.ImageURLs) > MaxImageAttachments {
		writeError(w, http.StatusBadRequest, "invalid_images", "too many image attachments (max 5)")
		return
	}

	// Detach from the request lifetime: the turn outlives the 202 response
	// but keeps the request's trace context.
	ctx := context.WithoutCancel(r.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		start := time.Now()
		_, err := h.turns.RunTurn(ctx, turn.Request{
			UserID:    user,
			ProjectID: p.ID,
			Prompt:    req.Prompt,
			ImageURLs: req.ImageURLs,
		})
		if err != nil && !errors.Is(err, credit.ErrQuotaExhausted) {
			h.logger.Error("build turn failed",
				"error", err,
				"project_id", p.ID,
				"elapsed", time.Since(start))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"project_id": p.ID,
	})
}

// ownedProject loads the project from the path id and enforces ownership.
// A project owned by someone else reads as not found, so project IDs do
// not leak across users.
func (h *ProjectHandler) ownedProject(w http.ResponseWriter, r *http.Request, user string) (*project.Project, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid project id")
		return nil, false
	}

	p, err := h.store.GetProject(r.Context(), id)
	if errors.Is(err, project.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "project not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load project", "error", err, "project_id", id)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load project")
		return nil, false
	}
	if p.UserID != user {
		writeError(w, http.StatusNotFound, "not_found", "project not found")
		return nil, false
	}
	return p, true
}

func projectResponse(p *project.Project) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"created_at": p.CreatedAt,
	}
}

func messageResponse(m *project.Message) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"role":       m.Role,
		"kind":       m.Kind,
		"body":       m.Body,
		"image_urls": m.ImageURLs,
		"created_at": m.CreatedAt,
	}
	if m.Fragment != nil {
		out["fragment"] = map[string]any{
			"title":       m.Fragment.Title,
			"preview_url": m.Fragment.PreviewURL,
			"files":       m.Fragment.Files,
		}
	}
	return out
}
