package client

import (
	"context"

	"github.com/crpcgo/crpc/internal/convert"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/pagination"
	"github.com/crpcgo/crpc/pkg/querykey"
)

// Infinite returns a pagination session over the query described by o. The first page
// goes through the cache under o.Key; later pages are read directly.
func Infinite[T any](c *QueryClient, o InfiniteQueryOptions) *pagination.Infinite[T] {
	ref := c.Lookup(o.Meta.QueryName)
	return pagination.NewInfinite(func(ctx context.Context, cursor *string) (pagination.Page[T], error) {
		var (
			out any
			err error
		)
		if cursor == nil {
			out, err = c.Fetch(ctx, o.QueryOptions)
		} else {
			key := querykey.NewSubscribed(ref.Name(), ref.pageArgs(o.Meta.Args, cursor, o.Meta.Limit))
			out, err = c.retry(ctx, func() (any, error) {
				return read(ctx, c.backend, meta.KindQuery, key)
			})
		}
		if err != nil {
			return pagination.Page[T]{}, err
		}
		if out == nil {
			return pagination.Page[T]{IsDone: true}, nil
		}
		return convert.To[pagination.Page[T]](out)
	})
}
