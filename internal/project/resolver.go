package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ResolveFiles computes the authoritative file snapshot for a project: the
// file map of the most recently created fragment-bearing message, or an
// empty map when no successful turn exists yet. The message id breaks
// timestamp ties, so concurrent turns still resolve deterministically.
//
// This is a pure, read-only query. Failed turns carry no fragment, so
// partial file state from a failed attempt can never leak forward; a
// project whose turns all ended in error resolves to the empty map.
func (s *Store) ResolveFiles(ctx context.Context, projectID uuid.UUID) (FileMap, error) {
	var filesJSON []byte

	err := s.db.QueryRow(ctx,
		`SELECT f.files
		 FROM fragments f
		 JOIN messages m ON m.id = f.message_id
		 WHERE m.project_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, projectID,
	).Scan(&filesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return FileMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file state for project %s: %w", projectID, err)
	}

	var files FileMap
	if err := json.Unmarshal(filesJSON, &files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file state for project %s: %w", projectID, err)
	}
	if files == nil {
		files = FileMap{}
	}

	return files, nil
}
