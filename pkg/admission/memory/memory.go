// Package memory implements a process-local admission controller with one token bucket
// per (bucket, identity) pair.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
	"golang.org/x/time/rate"

	"github.com/crpcgo/crpc/pkg/admission"
)

const (
	defaultMaxIdentities = 100_000
	defaultIdleTTL       = 10 * time.Minute
)

// Controller keeps a rate.Limiter per (bucket, identity). Idle limiters are evicted
// from a bounded cache.
type Controller struct {
	limits        admission.Limits
	maxIdentities int64
	idleTTL       time.Duration
	now           func() time.Time

	mu       sync.Mutex
	limiters *theine.Cache[string, *rate.Limiter]
}

var _ admission.Controller = (*Controller)(nil)

type ControllerOption func(*Controller)

// WithMaxIdentities bounds the number of tracked (bucket, identity) pairs.
func WithMaxIdentities(n int64) ControllerOption {
	return func(c *Controller) {
		c.maxIdentities = n
	}
}

// WithIdleTTL sets how long an unused limiter is kept.
func WithIdleTTL(ttl time.Duration) ControllerOption {
	return func(c *Controller) {
		c.idleTTL = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// New builds a controller enforcing limits. Buckets without a limit, when no default
// limit is configured, are not limited.
func New(limits admission.Limits, opts ...ControllerOption) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		limits:        limits,
		maxIdentities: defaultMaxIdentities,
		idleTTL:       defaultIdleTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	limiters, err := theine.NewBuilder[string, *rate.Limiter](c.maxIdentities).Build()
	if err != nil {
		return nil, err
	}
	c.limiters = limiters
	return c, nil
}

func (c *Controller) CheckAndConsume(_ context.Context, bucket, identity string) (bool, error) {
	limit, ok := c.limits.For(bucket)
	if !ok {
		return true, nil
	}
	return c.limiter(bucket, identity, limit).AllowN(c.now(), 1), nil
}

func (c *Controller) limiter(bucket, identity string, limit admission.Limit) *rate.Limiter {
	key := bucket + "\x00" + identity

	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters.Get(key)
	if !ok {
		every := limit.Window / time.Duration(limit.Requests)
		l = rate.NewLimiter(rate.Every(every), limit.Requests)
	}
	c.limiters.SetWithTTL(key, l, 1, c.idleTTL)
	return l
}

// Close releases the limiter cache.
func (c *Controller) Close() {
	c.limiters.Close()
}
