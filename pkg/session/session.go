//go:generate mockgen -source session.go -destination ../../internal/mocks/mock_session.go -package mocks

// Package session defines the session resolution capability consumed by the auth
// middleware stages.
package session

import (
	"context"
	"slices"
	"time"

	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
)

// Session is an authenticated session.
type Session struct {
	UserID    string
	Token     string
	IsAdmin   bool
	Plan      string
	Roles     []string
	Claims    map[string]any
	ExpiresAt time.Time
}

// User is the caller identity derived from a session and exposed to handlers.
type User struct {
	ID      string
	IsAdmin bool
	Plan    string
	Roles   []string
	Session *Session
}

// User derives the handler-facing user from the session.
func (s *Session) User() *User {
	if s == nil {
		return nil
	}
	return &User{
		ID:      s.UserID,
		IsAdmin: s.IsAdmin,
		Plan:    s.Plan,
		Roles:   slices.Clone(s.Roles),
		Session: s,
	}
}

// HasRole reports whether the user carries role. Admins carry every role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	return u.IsAdmin || slices.Contains(u.Roles, role)
}

// Resolver resolves the session of the current request. A nil session with a nil
// error means the request is anonymous.
type Resolver interface {
	ResolveSession(ctx context.Context) (*Session, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context) (*Session, error)

func (f ResolverFunc) ResolveSession(ctx context.Context) (*Session, error) {
	return f(ctx)
}

// NoopResolver treats every request as anonymous.
type NoopResolver struct{}

var _ Resolver = (*NoopResolver)(nil)

func (NoopResolver) ResolveSession(context.Context) (*Session, error) {
	return nil, nil
}

type ctxKey string

const tokenContextKey = ctxKey("bearer-token")

// ContextWithToken injects the raw bearer token into the parent context.
func ContextWithToken(parent context.Context, token string) context.Context {
	return context.WithValue(parent, tokenContextKey, token)
}

// TokenFromContext returns the bearer token of the request, read from the context or,
// for gRPC requests, from the "authorization" metadata.
func TokenFromContext(ctx context.Context) (string, bool) {
	if token, ok := ctx.Value(tokenContextKey).(string); ok && token != "" {
		return token, true
	}
	token, err := grpcauth.AuthFromMD(ctx, "Bearer")
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}
