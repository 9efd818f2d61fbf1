// Package sandbox provides ephemeral execution environments for build turns.
//
// A Box is a remote scratch machine: files can be written and read, shell
// commands run, and a preview host resolved for a port. Boxes are created
// fresh for a single turn and discarded afterwards; nothing in a box
// survives the turn, and the database remains the only system of record.
package sandbox

import (
	"context"
)

// CommandResult carries the outcome of a shell command run inside a box.
// A non-zero ExitCode is not an error at this layer; callers decide how
// to react to failing commands.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Box is a single remote execution environment.
type Box interface {
	// WriteFile creates or overwrites a file at path.
	WriteFile(ctx context.Context, path, content string) error

	// ReadFile returns the content of the file at path.
	ReadFile(ctx context.Context, path string) (string, error)

	// RunCommand executes a shell command and returns its output.
	RunCommand(ctx context.Context, command string) (*CommandResult, error)

	// Host returns the externally reachable host serving the given port.
	Host(ctx context.Context, port int) (string, error)

	// Close releases the box. Idempotent.
	Close(ctx context.Context) error
}

// Runtime creates boxes.
type Runtime interface {
	Create(ctx context.Context) (Box, error)
}
