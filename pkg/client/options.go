package client

import (
	"math"
	"time"

	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/querykey"
)

// StaleForever marks cached values that never go stale on their own. Subscribed values
// are kept current by pushes instead.
const StaleForever time.Duration = math.MaxInt64

type skipToken struct{}

// Skip passed as arguments disables the query.
var Skip = skipToken{}

// QueryMeta travels with query options into the query function.
type QueryMeta struct {
	AuthType   meta.AuthMode
	SkipUnauth bool
	Subscribe  bool

	// Set on infinite queries.
	QueryName string
	Args      map[string]any
	Limit     int
}

// QueryOptions describe one cached read.
type QueryOptions struct {
	Key       querykey.Key
	StaleTime time.Duration
	Enabled   bool
	Meta      QueryMeta
}

// InfiniteQueryOptions describe a paginated read. Key is the identity of the first page.
type InfiniteQueryOptions struct {
	QueryOptions
}

// QueryOption customizes QueryOptions.
type QueryOption func(*QueryOptions)

// WithSkipUnauth resolves the query to nil without fetching when the caller has no token.
func WithSkipUnauth() QueryOption {
	return func(o *QueryOptions) {
		o.Meta.SkipUnauth = true
	}
}

func WithStaleTime(d time.Duration) QueryOption {
	return func(o *QueryOptions) {
		o.StaleTime = d
	}
}

// WithoutSubscription reads a query once instead of keeping it live.
func WithoutSubscription() QueryOption {
	return func(o *QueryOptions) {
		o.Meta.Subscribe = false
	}
}

// WithEnabled disables the query when enabled is false.
func WithEnabled(enabled bool) QueryOption {
	return func(o *QueryOptions) {
		o.Enabled = o.Enabled && enabled
	}
}
