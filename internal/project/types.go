// Package project provides persistence for projects, their conversation
// history, and the generated-code fragments attached to successful turns.
//
// The file state of a project is never stored in a mutable table of its
// own: it is always derived from the most recent fragment-bearing message,
// so conversation history remains the single source of truth.
package project

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Kind classifies a turn outcome.
type Kind string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	KindResult Kind = "result"
	KindError  Kind = "error"
)

// FileMap maps relative file paths to full text content. It represents a
// project's generated source tree at a point in time.
type FileMap map[string]string

// Clone returns an independent copy of the map. A nil receiver yields an
// empty, non-nil map so callers can write to the result.
func (f FileMap) Clone() FileMap {
	cp := make(FileMap, len(f))
	maps.Copy(cp, f)
	return cp
}

// Project identifies a workspace owned by a user.
type Project struct {
	ID        uuid.UUID
	UserID    string
	Name      string
	CreatedAt time.Time
}

// Message is one turn's input or output. Messages are immutable once
// created and are totally ordered within a project by creation time.
type Message struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Role      Role
	Kind      Kind
	Body      string
	ImageURLs []string
	CreatedAt time.Time

	// Fragment is set iff Kind is KindResult and Role is RoleAssistant.
	Fragment *Fragment
}

// Fragment is the generated-artifact record attached 1:1 to a successful
// assistant message.
type Fragment struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	Title      string
	PreviewURL string
	Files      FileMap
}
