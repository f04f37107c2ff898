// Package client is the caller-side query cache. It keys every read by its canonical
// identity, shares live subscriptions between observers, dedupes identical in-flight
// reads and retries transient failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/crpcgo/crpc/internal/convert"
	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/querykey"
	"github.com/crpcgo/crpc/pkg/session"
	"github.com/crpcgo/crpc/pkg/subscription"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 2 * time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	DefaultCacheSize     = 10_000
	DefaultGCTime        = 5 * time.Minute
)

// QueryFunc fetches the value of a query key.
type QueryFunc func(ctx context.Context, key querykey.Key, m QueryMeta) (any, error)

// TokenFunc returns the caller's auth token, if any.
type TokenFunc func(ctx context.Context) (string, bool)

type cached struct {
	value     any
	updatedAt time.Time
}

// QueryClient is constructed once per process (or per signed-in user) and torn down with
// Close.
type QueryClient struct {
	backend  backend.Backend
	registry *meta.Registry
	manager  *subscription.Manager
	cache    *theine.Cache[string, cached]
	group    singleflight.Group
	hash     querykey.HashFunc
	queryFn  QueryFunc
	token    TokenFunc
	logger   logger.Logger
	now      func() time.Time

	subscribe        bool
	unsubscribeDelay time.Duration
	cacheSize        int64
	gcTime           time.Duration
	defaultStale     time.Duration
	maxRetries       int
	retryDelay       time.Duration
	maxRetryDelay    time.Duration
}

type Option func(*QueryClient)

// WithRegistry provides the function metadata used by Ref.
func WithRegistry(r *meta.Registry) Option {
	return func(c *QueryClient) {
		c.registry = r
	}
}

// WithHashFunc sets the hash of keys that are not subscribed or one-shot reads.
func WithHashFunc(fallback querykey.HashFunc) Option {
	return func(c *QueryClient) {
		c.hash = querykey.NewHashFunc(fallback)
	}
}

// WithQueryFunc replaces the function that fetches query keys.
func WithQueryFunc(fn QueryFunc) Option {
	return func(c *QueryClient) {
		c.queryFn = fn
	}
}

func WithTokenFunc(fn TokenFunc) Option {
	return func(c *QueryClient) {
		c.token = fn
	}
}

func WithUnsubscribeDelay(d time.Duration) Option {
	return func(c *QueryClient) {
		c.unsubscribeDelay = d
	}
}

// WithRetry sets how reads are retried: up to maxRetries times, waiting
// min(delay*2^n, maxDelay) before retry n.
func WithRetry(maxRetries int, delay, maxDelay time.Duration) Option {
	return func(c *QueryClient) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
		c.maxRetryDelay = maxDelay
	}
}

func WithCacheSize(n int64) Option {
	return func(c *QueryClient) {
		c.cacheSize = n
	}
}

// WithGCTime sets how long a cached value outlives its last write.
func WithGCTime(d time.Duration) Option {
	return func(c *QueryClient) {
		c.gcTime = d
	}
}

// WithDefaultStaleTime applies to query options that leave StaleTime unset.
func WithDefaultStaleTime(d time.Duration) Option {
	return func(c *QueryClient) {
		c.defaultStale = d
	}
}

// WithoutSubscriptions makes Observe read once instead of opening live queries.
func WithoutSubscriptions() Option {
	return func(c *QueryClient) {
		c.subscribe = false
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *QueryClient) {
		c.logger = l
	}
}

func withClock(now func() time.Time) Option {
	return func(c *QueryClient) {
		c.now = now
	}
}

// New returns a client reading through b.
func New(b backend.Backend, opts ...Option) (*QueryClient, error) {
	c := &QueryClient{
		backend:          b,
		hash:             querykey.NewHashFunc(nil),
		token:            session.TokenFromContext,
		logger:           logger.NewNoopLogger(),
		now:              time.Now,
		subscribe:        true,
		unsubscribeDelay: subscription.DefaultUnsubscribeDelay,
		cacheSize:        DefaultCacheSize,
		gcTime:           DefaultGCTime,
		maxRetries:       DefaultMaxRetries,
		retryDelay:       DefaultRetryDelay,
		maxRetryDelay:    DefaultMaxRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.queryFn == nil {
		c.queryFn = c.QueryFn
	}

	cache, err := theine.NewBuilder[string, cached](c.cacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("building query cache: %w", err)
	}
	c.cache = cache
	c.manager = subscription.NewManager(b,
		subscription.WithUnsubscribeDelay(c.unsubscribeDelay),
		subscription.WithUpdateHook(c.onPush),
		subscription.WithLogger(c.logger),
	)
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(b backend.Backend, opts ...Option) *QueryClient {
	c, err := New(b, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Hash returns the cache hash of key.
func (c *QueryClient) Hash(key any) string {
	return c.hash(key)
}

func (c *QueryClient) onPush(identity string, u backend.Update) {
	if u.Err != nil {
		c.cache.Delete(identity)
		return
	}
	c.store(identity, u.Value)
}

func (c *QueryClient) store(hash string, v any) {
	c.cache.SetWithTTL(hash, cached{value: v, updatedAt: c.now()}, 1, c.gcTime)
}

func (c *QueryClient) isAuth(ctx context.Context) bool {
	token, ok := c.token(ctx)
	return ok && token != ""
}

// QueryFn is the default query function. Subscribed keys read the live value when one is
// open and fall back to a single query call; one-shot keys run the action. NOT_FOUND reads
// resolve to nil.
func (c *QueryClient) QueryFn(ctx context.Context, key querykey.Key, _ QueryMeta) (any, error) {
	switch key.Kind {
	case querykey.Subscribed:
		if identity, err := key.Identity(); err == nil {
			if v, ok := c.manager.Latest(identity); ok {
				return v, nil
			}
		}
		return read(ctx, c.backend, meta.KindQuery, key)
	case querykey.OneShot:
		return read(ctx, c.backend, meta.KindAction, key)
	default:
		return nil, fmt.Errorf("cannot read %s key %s", key.Kind, key.Name)
	}
}

func read(ctx context.Context, b backend.Backend, kind meta.Kind, key querykey.Key) (any, error) {
	v, err := b.Call(ctx, kind, key.Name, key.Args)
	if err != nil {
		if crpcerrors.CodeOf(err) == crpcerrors.NotFound && !errors.Is(err, crpcerrors.ErrUnknownFunction) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (c *QueryClient) staleTime(o QueryOptions) time.Duration {
	if o.StaleTime == 0 {
		return c.defaultStale
	}
	return o.StaleTime
}

func (c *QueryClient) fresh(hash string, staleTime time.Duration) (any, bool) {
	entry, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	if staleTime != StaleForever && c.now().Sub(entry.updatedAt) >= staleTime {
		return nil, false
	}
	return entry.value, true
}

// Fetch returns the cached value of o when it is fresh and fetches it otherwise. Disabled
// queries, and skipUnauth queries without a token, resolve to nil without fetching.
// Concurrent fetches of the same key share one call.
func (c *QueryClient) Fetch(ctx context.Context, o QueryOptions) (any, error) {
	if !o.Enabled || (o.Meta.SkipUnauth && !c.isAuth(ctx)) {
		return nil, nil
	}
	hash := c.hash(o.Key)
	if v, ok := c.fresh(hash, c.staleTime(o)); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(hash, func() (any, error) {
		out, err := c.retry(ctx, func() (any, error) {
			return c.queryFn(ctx, o.Key, o.Meta)
		})
		if err != nil {
			return nil, err
		}
		c.store(hash, out)
		return out, nil
	})
	if err != nil {
		c.logger.Debug("query failed", zap.String("function", o.Key.Name), zap.String("code", string(crpcerrors.CodeOf(err))))
	}
	return v, err
}

// retry runs fn until it succeeds, fails with an error that is not retryable, or
// exhausts the retry budget.
func (c *QueryClient) retry(ctx context.Context, fn func() (any, error)) (any, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = c.maxRetryDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	var out any
	err := backoff.Retry(func() error {
		v, err := fn()
		if err != nil {
			if !crpcerrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(c.maxRetries, 0))), ctx))
	return out, err
}

// Prefetch fetches o and discards the value.
func (c *QueryClient) Prefetch(ctx context.Context, o QueryOptions) error {
	_, err := c.Fetch(ctx, o)
	return err
}

// Observe delivers the value of o and, for subscribed queries, every later change, until
// the returned function is called.
func (c *QueryClient) Observe(ctx context.Context, o QueryOptions, fn func(backend.Update)) (func(), error) {
	noop := func() {}
	if !o.Enabled || (o.Meta.SkipUnauth && !c.isAuth(ctx)) {
		fn(backend.Update{})
		return noop, nil
	}
	if !c.subscribe || !o.Meta.Subscribe || o.Key.Kind != querykey.Subscribed {
		v, err := c.Fetch(ctx, o)
		fn(backend.Update{Value: v, Err: err})
		return noop, nil
	}
	obs, err := c.manager.Attach(ctx, o.Key.Name, o.Key.Args, fn)
	if err != nil {
		return nil, err
	}
	return obs.Close, nil
}

// Mutate runs a mutation or action. Writes are neither cached nor retried; live queries
// observe their effect through backend pushes.
func (c *QueryClient) Mutate(ctx context.Context, name string, args any) (any, error) {
	kind := meta.KindMutation
	if m, known := c.Lookup(name).Meta(); known {
		if m.Kind == meta.KindQuery {
			return nil, crpcerrors.Newf(crpcerrors.BadRequest, "%s is a query", name).WithFunction(name)
		}
		kind = m.Kind
	}
	return c.backend.Call(ctx, kind, name, args)
}

// GetQueryData returns the cached value of key.
func (c *QueryClient) GetQueryData(key querykey.Key) (any, bool) {
	entry, ok := c.cache.Get(c.hash(key))
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// SetQueryData overwrites the cached value of key.
func (c *QueryClient) SetQueryData(key querykey.Key, v any) {
	c.store(c.hash(key), v)
}

// Invalidate drops the cached value of key so the next Fetch reads through.
func (c *QueryClient) Invalidate(key querykey.Key) {
	c.cache.Delete(c.hash(key))
}

// Clear tears down every live query and empties the cache. Call it on sign-out.
func (c *QueryClient) Clear() {
	c.manager.Reset()
	var keys []string
	c.cache.Range(func(k string, _ cached) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		c.cache.Delete(k)
	}
}

// ActiveSubscriptions returns the number of open live queries.
func (c *QueryClient) ActiveSubscriptions() int {
	return c.manager.Active()
}

// Close releases every live query and the cache.
func (c *QueryClient) Close() {
	c.manager.Close()
	c.cache.Close()
}

// FetchAs fetches o and converts the value into T.
func FetchAs[T any](ctx context.Context, c *QueryClient, o QueryOptions) (T, error) {
	v, err := c.Fetch(ctx, o)
	if err != nil {
		var zero T
		return zero, err
	}
	return convert.To[T](v)
}

// MutateAs runs a write and converts its result into T.
func MutateAs[T any](ctx context.Context, c *QueryClient, name string, args any) (T, error) {
	v, err := c.Mutate(ctx, name, args)
	if err != nil {
		var zero T
		return zero, err
	}
	return convert.To[T](v)
}
