// Package local implements backend.Backend in process on top of a procedure.Router.
// Live queries re-run after every successful mutation and push when their result changes.
package local

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/procedure"
	"github.com/crpcgo/crpc/pkg/querykey"
)

// Backend runs calls against a router.
type Backend struct {
	router *procedure.Router
	logger logger.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ backend.Backend = (*Backend)(nil)

type Option func(*Backend)

func WithLogger(l logger.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// New returns a backend serving the procedures registered on router.
func New(router *procedure.Router, opts ...Option) *Backend {
	b := &Backend{
		router: router,
		logger: logger.NewNoopLogger(),
		subs:   map[*subscription]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call runs a public procedure of the given kind. A successful mutation or action
// invalidates every live query, since actions write through internal mutations.
func (b *Backend) Call(ctx context.Context, kind meta.Kind, name string, args any) (any, error) {
	out, err := b.router.CallKind(ctx, kind, name, args)
	if err != nil {
		return nil, err
	}
	if kind != meta.KindQuery {
		b.Invalidate()
	}
	return out, nil
}

// Subscribe starts a live query. The query keeps the values of ctx (session token, call
// context) but not its cancellation; it stops on Close.
func (b *Backend) Subscribe(ctx context.Context, name string, args any, onUpdate backend.UpdateFunc) (backend.Subscription, error) {
	p, ok := b.router.Lookup(name)
	if !ok || p.Meta().Internal || p.Meta().Kind != meta.KindQuery {
		return nil, crpcerrors.UnknownFunctionError(name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, crpcerrors.NewInternalError("", backend.ErrClosed)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		backend:  b,
		name:     name,
		args:     args,
		onUpdate: onUpdate,
		ctx:      subCtx,
		cancel:   cancel,
		dirty:    make(chan struct{}, 1),
	}
	b.subs[s] = struct{}{}
	b.wg.Add(1)
	go s.run()
	return s, nil
}

// Invalidate makes every live query re-run.
func (b *Backend) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.markDirty()
	}
}

// Subscriptions returns the number of open live queries.
func (b *Backend) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops every live query and waits for them to exit.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	for s := range b.subs {
		s.cancel()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Backend) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

type subscription struct {
	backend  *Backend
	name     string
	args     any
	onUpdate backend.UpdateFunc

	ctx    context.Context
	cancel context.CancelFunc
	dirty  chan struct{}
}

func (s *subscription) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *subscription) Close() error {
	s.cancel()
	return nil
}

func (s *subscription) run() {
	defer s.backend.wg.Done()
	defer s.backend.remove(s)

	var last []byte
	first := true
	for {
		out, err := s.backend.router.CallKind(s.ctx, meta.KindQuery, s.name, s.args)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.backend.logger.Debug("live query failed", zap.String("function", s.name), zap.Error(err))
			s.onUpdate(backend.Update{Err: err})
			return
		}

		canonical, cerr := querykey.Canonical(out)
		if first || cerr != nil || !bytes.Equal(canonical, last) {
			s.onUpdate(backend.Update{Value: out})
		}
		first, last = false, canonical

		select {
		case <-s.ctx.Done():
			return
		case <-s.dirty:
		}
	}
}
