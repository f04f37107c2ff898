package client

import (
	"context"
	"fmt"
	"time"

	"github.com/crpcgo/crpc/pkg/backend"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/querykey"
	"github.com/crpcgo/crpc/pkg/session"
)

// DefaultServerStaleTime is the stale time of server-side prefetches.
const DefaultServerStaleTime = 30 * time.Second

// ServerQueryFunc reads both subscribed and one-shot keys with single calls. Servers
// prefetch data for a response and never hold live queries. The token from getToken is
// attached to every call, and skipUnauth reads resolve to nil without one.
func ServerQueryFunc(b backend.Backend, getToken TokenFunc) QueryFunc {
	return func(ctx context.Context, key querykey.Key, m QueryMeta) (any, error) {
		token, ok := "", false
		if getToken != nil {
			token, ok = getToken(ctx)
		}
		if m.SkipUnauth && (!ok || token == "") {
			return nil, nil
		}
		if ok && token != "" {
			ctx = session.ContextWithToken(ctx, token)
		}
		switch key.Kind {
		case querykey.Subscribed:
			return read(ctx, b, meta.KindQuery, key)
		case querykey.OneShot:
			return read(ctx, b, meta.KindAction, key)
		default:
			return nil, fmt.Errorf("cannot read %s key %s", key.Kind, key.Name)
		}
	}
}

// ServerOptions returns the options of a server-side query client: ServerQueryFunc and no
// subscriptions. Refs of such a client leave StaleTime unset, so reads go stale after
// DefaultServerStaleTime.
func ServerOptions(b backend.Backend, getToken TokenFunc) []Option {
	opts := []Option{
		WithQueryFunc(ServerQueryFunc(b, getToken)),
		WithDefaultStaleTime(DefaultServerStaleTime),
		WithoutSubscriptions(),
	}
	if getToken != nil {
		opts = append(opts, WithTokenFunc(getToken))
	}
	return opts
}

// NewServer returns a query client for server-side prefetching.
func NewServer(b backend.Backend, getToken TokenFunc, opts ...Option) (*QueryClient, error) {
	return New(b, append(ServerOptions(b, getToken), opts...)...)
}
