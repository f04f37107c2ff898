// Package redis implements a distributed fixed-window admission controller on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crpcgo/crpc/pkg/admission"
)

const defaultKeyPrefix = "crpc:ratelimit"

var ErrAddrMissing = errors.New("redis addresses must be specified")

type Option func(h *Controller)

// Controller counts calls per (bucket, identity, window) with INCR and lets the key
// expire with the window.
type Controller struct {
	db             int
	addrs          []string
	userCredential string
	passCredential string
	prefix         string
	limits         admission.Limits
	now            func() time.Time
	client         redis.UniversalClient
}

var _ admission.Controller = (*Controller)(nil)

func WithAddr(addrs string) Option {
	return func(h *Controller) {
		h.addrs = strings.Split(addrs, ",")
	}
}

func WithUserCredential(credential string) Option {
	return func(h *Controller) {
		h.userCredential = credential
	}
}

func WithPassCredential(credential string) Option {
	return func(h *Controller) {
		h.passCredential = credential
	}
}

func WithDatabase(db int) Option {
	return func(h *Controller) {
		h.db = db
	}
}

// WithKeyPrefix namespaces the counters.
func WithKeyPrefix(prefix string) Option {
	return func(h *Controller) {
		h.prefix = prefix
	}
}

// WithClient uses an existing client instead of dialing addrs.
func WithClient(client redis.UniversalClient) Option {
	return func(h *Controller) {
		h.client = client
	}
}

// WithClock overrides the time source used to pick the window.
func WithClock(now func() time.Time) Option {
	return func(h *Controller) {
		h.now = now
	}
}

// New creates a controller enforcing limits.
func New(limits admission.Limits, opts ...Option) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	h := &Controller{
		limits: limits,
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.client == nil {
		if len(h.addrs) == 0 || h.addrs[0] == "" {
			return nil, ErrAddrMissing
		}
		h.client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    h.addrs,
			DB:       h.db,
			Username: h.userCredential,
			Password: h.passCredential,
		})
	}
	return h, nil
}

func (h *Controller) key(bucket, identity string, limit admission.Limit) string {
	window := h.now().UnixNano() / int64(limit.Window)
	return fmt.Sprintf("%s:%s:%s:%d", h.prefix, bucket, identity, window)
}

func (h *Controller) CheckAndConsume(ctx context.Context, bucket, identity string) (bool, error) {
	limit, ok := h.limits.For(bucket)
	if !ok {
		return true, nil
	}
	key := h.key(bucket, identity, limit)

	var incr *redis.IntCmd
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, limit.Window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis admission check: %w", err)
	}
	return incr.Val() <= int64(limit.Requests), nil
}

// Ping returns the Redis server liveliness response.
func (h *Controller) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close closes the server connection.
func (h *Controller) Close() error {
	return h.client.Close()
}
