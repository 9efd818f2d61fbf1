package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/atelier-dev/atelier/internal/log"
	"github.com/atelier-dev/atelier/internal/project"
)

// Session wraps a Box for the duration of one build turn. Every successful
// write is mirrored into an in-memory working file map, so the files to
// persist at the end of the turn never depend on reading the sandbox back.
//
// Session is safe for concurrent use; a turn's tool calls may overlap.
type Session struct {
	box    Box
	logger log.Logger

	mu    sync.Mutex
	files project.FileMap
}

// Open creates a fresh box from the runtime and returns a session around it.
func Open(ctx context.Context, runtime Runtime, logger log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	box, err := runtime.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return &Session{
		box:    box,
		logger: logger.With("component", "session"),
		files:  project.FileMap{},
	}, nil
}

// Seed writes the baseline files into the box and primes the working map.
// A partial seed failure leaves the working map covering only the files
// that actually made it into the box.
func (s *Session) Seed(ctx context.Context, files project.FileMap) error {
	for path, content := range files {
		if err := s.box.WriteFile(ctx, path, content); err != nil {
			return fmt.Errorf("failed to seed %s: %w", path, err)
		}
		s.mu.Lock()
		s.files[path] = content
		s.mu.Unlock()
	}
	s.logger.Debug("session seeded", "files", len(files))
	return nil
}

// WriteFiles writes the given files into the box, mirroring each
// successful write. The first failure aborts the batch.
func (s *Session) WriteFiles(ctx context.Context, files project.FileMap) error {
	for path, content := range files {
		if err := s.box.WriteFile(ctx, path, content); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		s.mu.Lock()
		s.files[path] = content
		s.mu.Unlock()
	}
	return nil
}

// ReadFiles reads the given paths from the box. Paths that cannot be read
// are reported in the returned error, but files read before the failure
// are still returned.
func (s *Session) ReadFiles(ctx context.Context, paths []string) (project.FileMap, error) {
	out := project.FileMap{}
	for _, path := range paths {
		content, err := s.box.ReadFile(ctx, path)
		if err != nil {
			return out, fmt.Errorf("failed to read %s: %w", path, err)
		}
		out[path] = content
	}
	return out, nil
}

// Exec runs a shell command in the box.
func (s *Session) Exec(ctx context.Context, command string) (*CommandResult, error) {
	return s.box.RunCommand(ctx, command)
}

// PreviewURL resolves the public URL for the app served on port.
func (s *Session) PreviewURL(ctx context.Context, port int) (string, error) {
	host, err := s.box.Host(ctx, port)
	if err != nil {
		return "", err
	}
	return "https://" + host, nil
}

// Files returns a copy of the working file map accumulated so far.
func (s *Session) Files() project.FileMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files.Clone()
}

// Close releases the underlying box. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if err := s.box.Close(ctx); err != nil {
		s.logger.Warn("failed to close session box", "error", err)
		return err
	}
	return nil
}
