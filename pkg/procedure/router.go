package procedure

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crpcgo/crpc/internal/convert"
	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
)

// Router maps qualified function names to procedures.
type Router struct {
	registry *meta.Registry

	mu    sync.RWMutex
	procs map[string]*Procedure
}

type RouterOption func(*Router)

// WithRegistry cross-checks every non-internal registration against registry.
func WithRegistry(registry *meta.Registry) RouterOption {
	return func(r *Router) {
		r.registry = registry
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{procs: map[string]*Procedure{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds p under namespace:name. It fails on duplicates and, when the router has
// a registry, on functions the registry lacks or describes differently.
func (r *Router) Register(namespace, name string, p *Procedure) error {
	qualified := meta.Qualify(namespace, name)
	if name == "" {
		return fmt.Errorf("procedure %q: empty function name", qualified)
	}

	if r.registry != nil && !p.meta.Internal {
		want, ok := r.registry.Lookup(namespace, name)
		if !ok {
			return fmt.Errorf("%w: %s is not in the function registry", crpcerrors.ErrUnknownFunction, qualified)
		}
		if err := sameMeta(want, p.meta); err != nil {
			return fmt.Errorf("procedure %s does not match the function registry: %w", qualified, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[qualified]; exists {
		return fmt.Errorf("procedure %s is already registered", qualified)
	}
	r.procs[qualified] = p
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Router) MustRegister(namespace, name string, p *Procedure) {
	if err := r.Register(namespace, name, p); err != nil {
		panic(err)
	}
}

func sameMeta(want, got meta.FunctionMeta) error {
	switch {
	case want.Kind != got.Kind:
		return fmt.Errorf("type %q, registered as %q", want.Kind, got.Kind)
	case want.Auth != got.Auth:
		return fmt.Errorf("auth %q, registered as %q", want.Auth, got.Auth)
	case want.Role != got.Role:
		return fmt.Errorf("role %q, registered as %q", want.Role, got.Role)
	case want.RateLimit != got.RateLimit:
		return fmt.Errorf("rate limit %q, registered as %q", want.RateLimit, got.RateLimit)
	case want.Dev != got.Dev:
		return fmt.Errorf("dev %t, registered as %t", want.Dev, got.Dev)
	}
	return nil
}

// Lookup returns the procedure registered under a qualified name.
func (r *Router) Lookup(qualified string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[qualified]
	return p, ok
}

// Names returns every registered qualified name, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Meta derives the function metadata registry from the registrations.
func (r *Router) Meta() *meta.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table := meta.Table{}
	for qualified, p := range r.procs {
		ns, name := meta.SplitQualified(qualified)
		if table[ns] == nil {
			table[ns] = map[string]meta.FunctionMeta{}
		}
		table[ns][name] = p.meta
	}
	return meta.MustNewRegistry(table)
}

// Call invokes the procedure registered under qualified. The call context is seeded from
// callctx.FromContext(ctx).
func (r *Router) Call(ctx context.Context, qualified string, input any) (any, error) {
	p, ok := r.Lookup(qualified)
	if !ok {
		return nil, unknownFunction(qualified)
	}
	return p.Invoke(ctx, qualified, seed(ctx, qualified), input)
}

// CallKind is like Call but fails with NOT_FOUND unless the procedure is of kind and
// public. Transports use it so that internal procedures stay unreachable.
func (r *Router) CallKind(ctx context.Context, kind meta.Kind, qualified string, input any) (any, error) {
	p, ok := r.Lookup(qualified)
	if !ok || p.meta.Internal || p.meta.Kind != kind {
		return nil, unknownFunction(qualified)
	}
	return p.Invoke(ctx, qualified, seed(ctx, qualified), input)
}

func seed(ctx context.Context, qualified string) callctx.Values {
	return callctx.FromContext(ctx).With(callctx.KeyFunction, qualified)
}

func unknownFunction(qualified string) error {
	return crpcerrors.UnknownFunctionError(qualified)
}

// Call invokes a procedure and converts its output into Out.
func Call[Out any](ctx context.Context, r *Router, qualified string, input any) (Out, error) {
	out, err := r.Call(ctx, qualified, input)
	if err != nil {
		var zero Out
		return zero, err
	}
	return convert.To[Out](out)
}
