// Package subscription shares one backend subscription between every observer of the same
// live query and keeps it open for a grace period after the last observer leaves, so
// that quick re-renders do not churn the backend.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/crpcgo/crpc/pkg/backend"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/querykey"
)

// DefaultUnsubscribeDelay is how long an entry without observers stays open.
const DefaultUnsubscribeDelay = 3 * time.Second

var ErrClosed = errors.New("subscription manager closed")

// Observer receives the pushes of one live query.
type Observer func(backend.Update)

// UpdateHook sees every push before the observers do. The client cache uses it to store
// values under identity.
type UpdateHook func(identity string, u backend.Update)

type Option func(*Manager)

// WithUnsubscribeDelay sets the grace period after the last observer leaves. A zero
// delay closes the backend subscription immediately.
func WithUnsubscribeDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.delay = d
	}
}

func WithUpdateHook(h UpdateHook) Option {
	return func(m *Manager) {
		m.hook = h
	}
}

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// Manager owns the table of live queries keyed by subscribed identity.
type Manager struct {
	backend backend.Backend
	delay   time.Duration
	hook    UpdateHook
	logger  logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type registration struct {
	id uuid.UUID
	fn Observer
}

type entry struct {
	identity string
	name     string

	// deliverMu serializes pushes to the observers of this entry. It is acquired before
	// Manager.mu.
	deliverMu sync.Mutex

	// Guarded by Manager.mu.
	observers []registration
	sub       backend.Subscription
	last      *backend.Update
	timer     *time.Timer
	gen       uint64
	removed   bool
}

// NewManager returns a manager opening subscriptions on b.
func NewManager(b backend.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: b,
		delay:   DefaultUnsubscribeDelay,
		logger:  logger.NewNoopLogger(),
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observation is one observer's attachment to a live query.
type Observation struct {
	m        *Manager
	identity string
	id       uuid.UUID
	once     sync.Once
}

// ID returns the observer token.
func (o *Observation) ID() string {
	return o.id.String()
}

// Identity returns the subscribed identity of the live query.
func (o *Observation) Identity() string {
	return o.identity
}

// Close detaches the observer. It is safe to call more than once.
func (o *Observation) Close() {
	o.once.Do(func() {
		o.m.detach(o.identity, o.id)
	})
}

// Attach registers fn as an observer of the live query name(args). The first observer
// opens the backend subscription; later observers share it and immediately receive the
// latest value, if any. Observers must not attach to the same query from inside fn.
func (m *Manager) Attach(ctx context.Context, name string, args any, fn Observer) (*Observation, error) {
	identity, err := querykey.Identity(querykey.Subscribed, name, args)
	if err != nil {
		return nil, err
	}
	reg := registration{id: uuid.New(), fn: fn}
	obs := &Observation{m: m, identity: identity, id: reg.id}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := m.entries[identity]
		if !ok {
			e = &entry{identity: identity, name: name, observers: []registration{reg}}
			m.entries[identity] = e
			m.mu.Unlock()
			if err := m.open(ctx, e, args); err != nil {
				return nil, err
			}
			return obs, nil
		}
		m.mu.Unlock()

		e.deliverMu.Lock()
		m.mu.Lock()
		if m.entries[identity] != e {
			m.mu.Unlock()
			e.deliverMu.Unlock()
			continue
		}
		m.cancelTeardown(e)
		e.observers = append(e.observers, reg)
		last := e.last
		m.mu.Unlock()
		if last != nil {
			fn(*last)
		}
		e.deliverMu.Unlock()
		return obs, nil
	}
}

func (m *Manager) open(ctx context.Context, e *entry, args any) error {
	sub, err := m.backend.Subscribe(ctx, e.name, args, func(u backend.Update) {
		m.deliver(e, u)
	})

	m.mu.Lock()
	if err != nil {
		var others []registration
		if m.entries[e.identity] == e {
			delete(m.entries, e.identity)
			e.removed = true
			m.cancelTeardown(e)
			others = e.observers[1:]
		}
		m.mu.Unlock()
		m.logger.Debug("subscription open failed", zap.String("identity", e.identity), zap.Error(err))
		for _, r := range others {
			r.fn(backend.Update{Err: err})
		}
		return err
	}

	opensCounter.Inc()
	activeGauge.Inc()
	if e.removed {
		m.mu.Unlock()
		m.closeSub(sub, "torn_down")
		return nil
	}
	e.sub = sub
	m.mu.Unlock()
	return nil
}

func (m *Manager) deliver(e *entry, u backend.Update) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	m.mu.Lock()
	if e.removed || m.entries[e.identity] != e {
		m.mu.Unlock()
		return
	}
	var sub backend.Subscription
	if u.Err != nil {
		delete(m.entries, e.identity)
		e.removed = true
		m.cancelTeardown(e)
		sub, e.sub = e.sub, nil
	} else {
		e.last = &u
	}
	observers := append([]registration(nil), e.observers...)
	m.mu.Unlock()

	if m.hook != nil {
		m.hook(e.identity, u)
	}
	for _, r := range observers {
		r.fn(u)
	}
	if u.Err != nil {
		m.logger.Debug("subscription failed", zap.String("identity", e.identity), zap.Error(u.Err))
		if sub != nil {
			m.closeSub(sub, "error")
		}
	}
}

func (m *Manager) detach(identity string, id uuid.UUID) {
	m.mu.Lock()
	e, ok := m.entries[identity]
	if !ok {
		m.mu.Unlock()
		return
	}
	found := false
	for i, r := range e.observers {
		if r.id == id {
			e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
			found = true
			break
		}
	}
	if !found || len(e.observers) > 0 {
		m.mu.Unlock()
		return
	}
	if m.delay <= 0 {
		sub := m.remove(e)
		m.mu.Unlock()
		if sub != nil {
			m.closeSub(sub, "idle")
		}
		return
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(m.delay, func() {
		m.expire(e, gen)
	})
	m.mu.Unlock()
}

func (m *Manager) expire(e *entry, gen uint64) {
	m.mu.Lock()
	if e.removed || e.gen != gen || len(e.observers) > 0 || m.entries[e.identity] != e {
		m.mu.Unlock()
		return
	}
	sub := m.remove(e)
	m.mu.Unlock()
	if sub != nil {
		m.closeSub(sub, "idle")
	}
}

// cancelTeardown must be called with m.mu held.
func (m *Manager) cancelTeardown(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// remove must be called with m.mu held.
func (m *Manager) remove(e *entry) backend.Subscription {
	delete(m.entries, e.identity)
	e.removed = true
	m.cancelTeardown(e)
	sub := e.sub
	e.sub = nil
	return sub
}

func (m *Manager) closeSub(sub backend.Subscription, reason string) {
	activeGauge.Dec()
	endsCounter.WithLabelValues(reason).Inc()
	if err := sub.Close(); err != nil {
		m.logger.Warn("closing subscription", zap.Error(err))
	}
}

// Active returns the number of live queries, including those pending teardown.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Observers returns the number of observers of identity.
func (m *Manager) Observers(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[identity]; ok {
		return len(e.observers)
	}
	return 0
}

// Latest returns the last value pushed for identity.
func (m *Manager) Latest(identity string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[identity]
	if !ok || e.last == nil {
		return nil, false
	}
	return e.last.Value, true
}

// Reset tears down every live query without notifying observers.
func (m *Manager) Reset() {
	m.mu.Lock()
	subs := make([]backend.Subscription, 0, len(m.entries))
	for _, e := range m.entries {
		if sub := m.remove(e); sub != nil {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, sub := range subs {
		wg.Go(func() {
			m.closeSub(sub, "reset")
		})
	}
	wg.Wait()
}

// Close tears down every live query. Later attaches fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Reset()
}
