package procedure

import (
	"context"
	"sync"

	"github.com/crpcgo/crpc/internal/convert"
	"github.com/crpcgo/crpc/pkg/session"
)

// ContextFunc builds the context procedures are called with, typically from an incoming
// request.
type ContextFunc func() (context.Context, error)

// Caller invokes procedures in-process on behalf of one request. The call context is
// created on first use and reused afterwards.
type Caller struct {
	router     *Router
	newContext func() (context.Context, error)
}

// NewCaller returns a lazy caller. newContext runs at most once.
func NewCaller(router *Router, newContext ContextFunc) *Caller {
	return &Caller{
		router:     router,
		newContext: sync.OnceValues((func() (context.Context, error))(newContext)),
	}
}

// Context returns the lazily created call context.
func (c *Caller) Context() (context.Context, error) {
	return c.newContext()
}

// Call invokes the procedure registered under qualified.
func (c *Caller) Call(qualified string, input any) (any, error) {
	ctx, err := c.newContext()
	if err != nil {
		return nil, err
	}
	return c.router.Call(ctx, qualified, input)
}

// Token returns the bearer token of the call context.
func (c *Caller) Token() (string, bool) {
	ctx, err := c.newContext()
	if err != nil {
		return "", false
	}
	return session.TokenFromContext(ctx)
}

// IsAuth reports whether the call context carries a bearer token.
func (c *Caller) IsAuth() bool {
	_, ok := c.Token()
	return ok
}

// IsUnauth is the negation of IsAuth.
func (c *Caller) IsUnauth() bool {
	return !c.IsAuth()
}

// CallAs invokes a procedure through c and converts its output into Out.
func CallAs[Out any](c *Caller, qualified string, input any) (Out, error) {
	out, err := c.Call(qualified, input)
	if err != nil {
		var zero Out
		return zero, err
	}
	return convert.To[Out](out)
}
