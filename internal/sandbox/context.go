package sandbox

import "context"

type sessionKey struct{}

// ContextWithSession binds the current turn's session into the context so
// tool handlers invoked deep inside the generation loop can reach it.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session bound by ContextWithSession, or
// false when none is present.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}
