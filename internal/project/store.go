package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelier-dev/atelier/internal/log"
)

// ErrorBody is the fixed user-facing body persisted for failed turns.
// Internal failure causes are logged, never shown to the end user.
const ErrorBody = "Something went wrong while generating your app. Please try again."

// DB is the subset of *pgxpool.Pool the store depends on.
// Defined by the consumer so tests can substitute a lighter implementation.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store manages project, message, and fragment persistence on PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a new Store instance.
func NewStore(db DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// CreateProject creates a new project for the given user.
func (s *Store) CreateProject(ctx context.Context, userID, name string) (*Project, error) {
	p := &Project{UserID: userID, Name: sanitizeText(name)}

	err := s.db.QueryRow(ctx,
		`INSERT INTO projects (user_id, name) VALUES ($1, $2)
		 RETURNING id, created_at`,
		p.UserID, p.Name,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Debug("created project", "id", p.ID, "user_id", userID)
	return p, nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	p := &Project{ID: id}

	err := s.db.QueryRow(ctx,
		`SELECT user_id, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}

	return p, nil
}

// ListProjects lists the user's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, created_at FROM projects
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{UserID: userID}
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	return projects, nil
}

// AppendUserMessage persists the user's prompt as a message. The turn
// orchestrator records this before gating so audit history is never
// created retroactively; a denied turn's user message still stands.
func (s *Store) AppendUserMessage(ctx context.Context, projectID uuid.UUID, body string, imageURLs []string) (*Message, error) {
	if imageURLs == nil {
		imageURLs = []string{}
	}
	urlsJSON, err := json.Marshal(imageURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image urls: %w", err)
	}

	m := &Message{
		ProjectID: projectID,
		Role:      RoleUser,
		Kind:      KindResult,
		Body:      sanitizeText(body),
		ImageURLs: imageURLs,
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO messages (project_id, role, kind, body, image_urls)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		projectID, m.Role, m.Kind, m.Body, urlsJSON,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}

	s.logger.Debug("appended user message", "project_id", projectID, "message_id", m.ID)
	return m, nil
}

// ResultParams carries the outcome of a successful turn.
type ResultParams struct {
	Body       string
	Title      string
	PreviewURL string
	Files      FileMap
}

// CreateResult persists a successful turn outcome: one assistant message of
// kind result together with its fragment, in a single transaction. Partial
// writes (message without fragment, or vice versa) are never observable.
func (s *Store) CreateResult(ctx context.Context, projectID uuid.UUID, params ResultParams) (*Message, error) {
	files := sanitizeFiles(params.Files)
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file map: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	m := &Message{
		ProjectID: projectID,
		Role:      RoleAssistant,
		Kind:      KindResult,
		Body:      sanitizeText(params.Body),
		ImageURLs: []string{},
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (project_id, role, kind, body)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		projectID, m.Role, m.Kind, m.Body,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert result message: %w", err)
	}

	frag := &Fragment{
		MessageID:  m.ID,
		Title:      sanitizeText(params.Title),
		PreviewURL: sanitizeText(params.PreviewURL),
		Files:      files,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO fragments (message_id, title, preview_url, files)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		frag.MessageID, frag.Title, frag.PreviewURL, filesJSON,
	).Scan(&frag.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert fragment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit result: %w", err)
	}

	m.Fragment = frag
	s.logger.Debug("persisted result",
		"project_id", projectID, "message_id", m.ID, "files", len(files))
	return m, nil
}

// CreateError persists a failed turn outcome: one assistant message of kind
// error with the fixed user-facing body and no fragment.
func (s *Store) CreateError(ctx context.Context, projectID uuid.UUID) (*Message, error) {
	m := &Message{
		ProjectID: projectID,
		Role:      RoleAssistant,
		Kind:      KindError,
		Body:      ErrorBody,
		ImageURLs: []string{},
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO messages (project_id, role, kind, body)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		projectID, m.Role, m.Kind, m.Body,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert error message: %w", err)
	}

	s.logger.Debug("persisted error outcome", "project_id", projectID, "message_id", m.ID)
	return m, nil
}

// ListMessages returns the project's full conversation history in creation
// order, with fragments attached to their result messages.
func (s *Store) ListMessages(ctx context.Context, projectID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT m.id, m.role, m.kind, m.body, m.image_urls, m.created_at,
		        f.id, f.title, f.preview_url, f.files
		 FROM messages m
		 LEFT JOIN fragments f ON f.message_id = m.id
		 WHERE m.project_id = $1
		 ORDER BY m.created_at, m.id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows, projectID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return messages, nil
}

// scanMessage scans one joined message+fragment row.
func scanMessage(rows pgx.Rows, projectID uuid.UUID) (*Message, error) {
	var (
		m           = &Message{ProjectID: projectID}
		urlsJSON    []byte
		fragID      *uuid.UUID
		fragTitle   *string
		fragPreview *string
		fragFiles   []byte
	)

	if err := rows.Scan(&m.ID, &m.Role, &m.Kind, &m.Body, &urlsJSON, &m.CreatedAt,
		&fragID, &fragTitle, &fragPreview, &fragFiles); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	if err := json.Unmarshal(urlsJSON, &m.ImageURLs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image urls for message %s: %w", m.ID, err)
	}

	if fragID != nil {
		frag := &Fragment{ID: *fragID, MessageID: m.ID}
		if fragTitle != nil {
			frag.Title = *fragTitle
		}
		if fragPreview != nil {
			frag.PreviewURL = *fragPreview
		}
		if err := json.Unmarshal(fragFiles, &frag.Files); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file map for message %s: %w", m.ID, err)
		}
		m.Fragment = frag
	}

	return m, nil
}
