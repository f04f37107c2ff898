package client

import (
	"context"
	"fmt"

	"github.com/crpcgo/crpc/internal/convert"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/querykey"
)

// Ref names one function and builds everything a caller needs to use it.
type Ref struct {
	client    *QueryClient
	namespace string
	name      string
}

// Ref returns the reference of namespace:name.
func (c *QueryClient) Ref(namespace, name string) Ref {
	return Ref{client: c, namespace: namespace, name: name}
}

// Lookup returns the reference of a qualified "namespace:name".
func (c *QueryClient) Lookup(qualified string) Ref {
	ns, name := meta.SplitQualified(qualified)
	return c.Ref(ns, name)
}

// Name returns the qualified name.
func (r Ref) Name() string {
	return meta.Qualify(r.namespace, r.name)
}

// Meta returns the registry entry of the function.
func (r Ref) Meta() (meta.FunctionMeta, bool) {
	if r.client.registry == nil {
		return meta.FunctionMeta{}, false
	}
	return r.client.registry.Lookup(r.namespace, r.name)
}

// Kind returns the kind of the function. Functions missing from the registry are queries.
func (r Ref) Kind() meta.Kind {
	if m, ok := r.Meta(); ok {
		return m.Kind
	}
	return meta.KindQuery
}

func (r Ref) keyKind() querykey.Kind {
	if r.Kind() == meta.KindAction {
		return querykey.OneShot
	}
	return querykey.Subscribed
}

// QueryKey returns the cache key of a read with args.
func (r Ref) QueryKey(args any) querykey.Key {
	if args == nil || args == Skip {
		args = map[string]any{}
	}
	return querykey.Key{Kind: r.keyKind(), Name: r.Name(), Args: args}
}

// MutationKey returns the key of a write.
func (r Ref) MutationKey() querykey.Key {
	return querykey.NewMutation(r.Name())
}

// QueryOptions returns options for reading the function with args. Queries subscribe and
// actions are read once. On a client with subscriptions the value never goes stale; a
// client built WithoutSubscriptions leaves StaleTime to its default. Passing Skip
// disables the query.
func (r Ref) QueryOptions(args any, opts ...QueryOption) QueryOptions {
	kind := r.Kind()
	if kind == meta.KindMutation {
		panic(fmt.Sprintf("%s is a mutation and cannot be read", r.Name()))
	}
	m, _ := r.Meta()
	o := QueryOptions{
		Key:     r.QueryKey(args),
		Enabled: args != Skip,
		Meta: QueryMeta{
			AuthType:  m.Auth,
			Subscribe: kind == meta.KindQuery,
		},
	}
	if r.client.subscribe {
		o.StaleTime = StaleForever
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// InfiniteQueryOptions returns options for a paginated query. The first page is read
// with the flat arguments {...args, cursor: null, limit}.
func (r Ref) InfiniteQueryOptions(args any, limit int, opts ...QueryOption) InfiniteQueryOptions {
	base := map[string]any{}
	if args != nil && args != Skip {
		converted, err := convert.To[map[string]any](args)
		if err != nil {
			panic(fmt.Sprintf("%s: paginated arguments must be an object: %v", r.Name(), err))
		}
		if converted != nil {
			base = converted
		}
	}
	first := r.pageArgs(base, nil, limit)

	o := r.QueryOptions(first, opts...)
	if args == Skip {
		o.Enabled = false
	}
	o.Meta.QueryName = r.Name()
	o.Meta.Args = base
	o.Meta.Limit = limit
	return InfiniteQueryOptions{QueryOptions: o}
}

// InfiniteQueryKey returns the identity key of a paginated query's first page.
func (r Ref) InfiniteQueryKey(args any, limit int) querykey.Key {
	return r.InfiniteQueryOptions(args, limit).Key
}

func (r Ref) pageArgs(base map[string]any, cursor *string, limit int) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	if cursor == nil {
		out["cursor"] = nil
	} else {
		out["cursor"] = *cursor
	}
	if limit > 0 {
		out["limit"] = limit
	}
	return out
}

// Call invokes the function once, bypassing the cache.
func (r Ref) Call(ctx context.Context, args any) (any, error) {
	return r.client.backend.Call(ctx, r.Kind(), r.Name(), args)
}
