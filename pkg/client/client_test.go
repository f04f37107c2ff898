package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/crpcgo/crpc/internal/mocks"
	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/pagination"
	"github.com/crpcgo/crpc/pkg/querykey"
	"github.com/crpcgo/crpc/pkg/session"
)

var registry = meta.MustNewRegistry(meta.Table{
	"todos": {
		"list":   {Kind: meta.KindQuery, Auth: meta.AuthOptional},
		"get":    {Kind: meta.KindQuery, Auth: meta.AuthRequired},
		"create": {Kind: meta.KindMutation, Auth: meta.AuthRequired, RateLimit: "todo/create"},
		"export": {Kind: meta.KindAction, Auth: meta.AuthRequired},
	},
})

func newClient(t *testing.T, b backend.Backend, opts ...Option) *QueryClient {
	t.Helper()
	opts = append([]Option{
		WithRegistry(registry),
		WithRetry(3, time.Millisecond, 5*time.Millisecond),
		WithUnsubscribeDelay(time.Hour),
	}, opts...)
	c, err := New(b, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestFetchCaches(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	c := newClient(t, b)
	ctx := context.Background()

	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:list", map[string]any{"status": "open"}).Return([]string{"a"}, nil).Times(1)

	opts := c.Ref("todos", "list").QueryOptions(map[string]any{"status": "open"})
	for range 3 {
		v, err := c.Fetch(ctx, opts)
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, v)
	}

	cached, ok := c.GetQueryData(opts.Key)
	require.True(t, ok)
	require.Equal(t, []string{"a"}, cached)

	t.Run("invalidate_reads_through", func(t *testing.T) {
		b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:list", gomock.Any()).Return([]string{"a", "b"}, nil)
		c.Invalidate(opts.Key)
		v, err := c.Fetch(ctx, opts)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, v)
	})

	t.Run("set_query_data", func(t *testing.T) {
		c.SetQueryData(opts.Key, []string{"z"})
		v, err := c.Fetch(ctx, opts)
		require.NoError(t, err)
		require.Equal(t, []string{"z"}, v)
	})
}

func TestFetchStaleTime(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newClient(t, b, withClock(func() time.Time { return now }))

	b.EXPECT().Call(gomock.Any(), meta.KindAction, "todos:export", gomock.Any()).Return("csv", nil).Times(2)

	opts := c.Ref("todos", "export").QueryOptions(nil, WithStaleTime(time.Minute))
	_, err := c.Fetch(context.Background(), opts)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = c.Fetch(context.Background(), opts)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = c.Fetch(context.Background(), opts)
	require.NoError(t, err)
}

func TestFetchSkips(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	c := newClient(t, b)
	ref := c.Ref("todos", "get")

	v, err := c.Fetch(context.Background(), ref.QueryOptions(Skip))
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = c.Fetch(context.Background(), ref.QueryOptions(map[string]any{"id": "1"}, WithSkipUnauth()))
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = c.Fetch(context.Background(), ref.QueryOptions(map[string]any{"id": "1"}, WithEnabled(false)))
	require.NoError(t, err)
	require.Nil(t, v)

	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:get", gomock.Any()).Return("todo", nil)
	ctx := session.ContextWithToken(context.Background(), "tok")
	v, err = c.Fetch(ctx, ref.QueryOptions(map[string]any{"id": "1"}, WithSkipUnauth()))
	require.NoError(t, err)
	require.Equal(t, "todo", v)
}

func TestFetchRetries(t *testing.T) {
	transient := errors.New("connection reset")

	tests := map[string]struct {
		errs      []error
		wantCalls int
		wantCode  crpcerrors.Code
	}{
		`succeeds_after_transient_errors`: {
			errs:      []error{transient, transient},
			wantCalls: 3,
		},
		`gives_up_after_three_retries`: {
			errs:      []error{transient, transient, transient, transient, transient},
			wantCalls: 4,
			wantCode:  crpcerrors.Internal,
		},
		`never_retries_auth_errors`: {
			errs:      []error{crpcerrors.UnauthorizedError("")},
			wantCalls: 1,
			wantCode:  crpcerrors.Unauthorized,
		},
		`never_retries_rate_limits`: {
			errs:      []error{crpcerrors.RateLimitedError("default")},
			wantCalls: 1,
			wantCode:  crpcerrors.RateLimited,
		},
		`never_retries_validation_errors`: {
			errs:      []error{crpcerrors.BadRequestError(errors.New("bad"))},
			wantCalls: 1,
			wantCode:  crpcerrors.BadRequest,
		},
		`retries_internal_errors`: {
			errs:      []error{crpcerrors.NewInternalError("", transient)},
			wantCalls: 2,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			b := mocks.NewMockBackend(ctrl)
			c := newClient(t, b)

			calls := 0
			b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:list", gomock.Any()).
				DoAndReturn(func(context.Context, meta.Kind, string, any) (any, error) {
					calls++
					if calls <= len(test.errs) {
						return nil, test.errs[calls-1]
					}
					return "ok", nil
				}).AnyTimes()

			v, err := c.Fetch(context.Background(), c.Ref("todos", "list").QueryOptions(nil))
			require.Equal(t, test.wantCalls, calls)
			if test.wantCode == "" {
				require.NoError(t, err)
				require.Equal(t, "ok", v)
				return
			}
			require.Equal(t, test.wantCode, crpcerrors.CodeOf(err))
		})
	}
}

func TestFetchNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	c := newClient(t, b)

	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:get", gomock.Any()).Return(nil, crpcerrors.NotFoundError("todo"))
	v, err := c.Fetch(context.Background(), c.Ref("todos", "get").QueryOptions(map[string]any{"id": "x"}))
	require.NoError(t, err)
	require.Nil(t, v)

	unknown := crpcerrors.Wrap(crpcerrors.NotFound, "function todos:nope not found", crpcerrors.ErrUnknownFunction)
	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:nope", gomock.Any()).Return(nil, unknown)
	_, err = c.Fetch(context.Background(), c.Ref("todos", "nope").QueryOptions(nil))
	require.ErrorIs(t, err, crpcerrors.ErrUnknownFunction)
}

func TestFetchDedupesInFlightCalls(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	c := newClient(t, b)

	release := make(chan struct{})
	var calls atomic.Int32
	b.EXPECT().Call(gomock.Any(), meta.KindAction, "todos:export", gomock.Any()).
		DoAndReturn(func(context.Context, meta.Kind, string, any) (any, error) {
			calls.Add(1)
			<-release
			return "csv", nil
		}).Times(1)

	opts := c.Ref("todos", "export").QueryOptions(map[string]any{"format": "csv"})
	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), opts)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, v := range results {
		require.Equal(t, "csv", v)
	}
}

func TestObserve(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	c := newClient(t, b)

	var push backend.UpdateFunc
	b.EXPECT().Subscribe(gomock.Any(), "todos:list", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ any, onUpdate backend.UpdateFunc) (backend.Subscription, error) {
			push = onUpdate
			return sub, nil
		}).Times(1)
	sub.EXPECT().Close().Return(nil).Times(1)

	opts := c.Ref("todos", "list").QueryOptions(map[string]any{"status": "open"})
	var got []any
	stop, err := c.Observe(context.Background(), opts, func(u backend.Update) {
		got = append(got, u.Value)
	})
	require.NoError(t, err)
	require.Equal(t, 1, c.ActiveSubscriptions())

	push(backend.Update{Value: []string{"a"}})
	push(backend.Update{Value: []string{"a", "b"}})
	require.Equal(t, []any{[]string{"a"}, []string{"a", "b"}}, got)

	v, ok := c.GetQueryData(opts.Key)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, v)

	t.Run("fetch_reads_the_live_value", func(t *testing.T) {
		c.Invalidate(opts.Key)
		v, err := c.Fetch(context.Background(), opts)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, v)
	})

	stop()

	t.Run("clear_tears_down_and_empties", func(t *testing.T) {
		c.Clear()
		require.Zero(t, c.ActiveSubscriptions())
		_, ok := c.GetQueryData(opts.Key)
		require.False(t, ok)
	})
}

func TestObserveOneShot(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	c := newClient(t, b)

	b.EXPECT().Call(gomock.Any(), meta.KindAction, "todos:export", gomock.Any()).Return("csv", nil)

	var got []backend.Update
	stop, err := c.Observe(context.Background(), c.Ref("todos", "export").QueryOptions(nil), func(u backend.Update) {
		got = append(got, u)
	})
	require.NoError(t, err)
	stop()
	require.Equal(t, []backend.Update{{Value: "csv"}}, got)
	require.Zero(t, c.ActiveSubscriptions())

	got = nil
	_, err = c.Observe(context.Background(), c.Ref("todos", "get").QueryOptions(Skip), func(u backend.Update) {
		got = append(got, u)
	})
	require.NoError(t, err)
	require.Equal(t, []backend.Update{{}}, got)
}

func TestMutate(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	c := newClient(t, b)
	ctx := context.Background()

	b.EXPECT().Call(ctx, meta.KindMutation, "todos:create", map[string]any{"title": "x"}).Return(map[string]any{"id": "1"}, nil)
	out, err := MutateAs[struct {
		ID string `json:"id"`
	}](ctx, c, "todos:create", map[string]any{"title": "x"})
	require.NoError(t, err)
	require.Equal(t, "1", out.ID)

	b.EXPECT().Call(ctx, meta.KindAction, "todos:export", nil).Return(nil, crpcerrors.UnauthorizedError(""))
	_, err = c.Mutate(ctx, "todos:export", nil)
	require.Equal(t, crpcerrors.Unauthorized, crpcerrors.CodeOf(err))

	b.EXPECT().Call(ctx, meta.KindMutation, "other:thing", nil).Return(nil, nil)
	_, err = c.Mutate(ctx, "other:thing", nil)
	require.NoError(t, err)

	_, err = c.Mutate(ctx, "todos:list", nil)
	require.Equal(t, crpcerrors.BadRequest, crpcerrors.CodeOf(err))
}

func TestRef(t *testing.T) {
	c := newClient(t, mocks.NewMockBackend(gomock.NewController(t)))

	list := c.Ref("todos", "list")
	require.Equal(t, "todos:list", list.Name())
	require.Equal(t, meta.KindQuery, list.Kind())

	opts := list.QueryOptions(map[string]any{"status": "open"})
	require.Equal(t, querykey.NewSubscribed("todos:list", map[string]any{"status": "open"}), opts.Key)
	require.Equal(t, StaleForever, opts.StaleTime)
	require.True(t, opts.Enabled)
	require.True(t, opts.Meta.Subscribe)
	require.Equal(t, meta.AuthOptional, opts.Meta.AuthType)

	export := c.Lookup("todos:export")
	require.Equal(t, querykey.OneShot, export.QueryOptions(nil).Key.Kind)
	require.False(t, export.QueryOptions(nil).Meta.Subscribe)
	require.NotEqual(t, c.Hash(list.QueryKey(nil)), c.Hash(querykey.NewOneShot("todos:list", nil)))

	require.False(t, list.QueryOptions(nil, WithoutSubscription()).Meta.Subscribe)
	require.False(t, list.QueryOptions(Skip).Enabled)

	unknown := c.Ref("misc", "thing")
	_, ok := unknown.Meta()
	require.False(t, ok)
	require.Equal(t, meta.KindQuery, unknown.Kind())

	require.Panics(t, func() { c.Ref("todos", "create").QueryOptions(nil) })

	t.Run("mutation_key_uses_fallback_hash", func(t *testing.T) {
		key := c.Ref("todos", "create").MutationKey()
		require.Equal(t, querykey.NewMutation("todos:create"), key)
		require.Equal(t, querykey.DefaultHash(key), c.Hash(key))
	})

	t.Run("infinite_query_options", func(t *testing.T) {
		inf := list.InfiniteQueryOptions(map[string]any{"status": "open"}, 10)
		require.Equal(t, list.QueryKey(map[string]any{"status": "open", "cursor": nil, "limit": 10}), inf.Key)
		require.Equal(t, c.Hash(inf.Key), c.Hash(list.InfiniteQueryKey(map[string]any{"status": "open"}, 10)))
		require.Equal(t, "todos:list", inf.Meta.QueryName)
		require.Equal(t, map[string]any{"status": "open"}, inf.Meta.Args)
		require.Equal(t, 10, inf.Meta.Limit)
		require.True(t, inf.Enabled)

		require.False(t, list.InfiniteQueryOptions(Skip, 10).Enabled)
		require.Panics(t, func() { list.InfiniteQueryOptions([]int{1}, 10) })
	})
}

func TestServerQueryClient(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	getToken := func(context.Context) (string, bool) { return "server-token", true }
	c, err := NewServer(b, getToken, WithRegistry(registry))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:list", gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ meta.Kind, _ string, _ any) (any, error) {
			token, ok := session.TokenFromContext(ctx)
			require.True(t, ok)
			require.Equal(t, "server-token", token)
			return []string{"a"}, nil
		}).Times(1)

	var got []backend.Update
	stop, err := c.Observe(context.Background(), c.Ref("todos", "list").QueryOptions(nil), func(u backend.Update) {
		got = append(got, u)
	})
	require.NoError(t, err)
	stop()
	require.Equal(t, []backend.Update{{Value: []string{"a"}}}, got)
	require.Zero(t, c.ActiveSubscriptions())

	t.Run("skip_unauth_without_token", func(t *testing.T) {
		fn := ServerQueryFunc(b, nil)
		v, err := fn(context.Background(), querykey.NewSubscribed("todos:get", nil), QueryMeta{SkipUnauth: true})
		require.NoError(t, err)
		require.Nil(t, v)
	})
}

func TestServerStaleTime(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := NewServer(b, nil, WithRegistry(registry), withClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:list", gomock.Any()).Return([]string{"a"}, nil).Times(2)

	opts := c.Ref("todos", "list").QueryOptions(nil)
	require.Zero(t, opts.StaleTime)

	_, err = c.Fetch(context.Background(), opts)
	require.NoError(t, err)

	now = now.Add(DefaultServerStaleTime / 2)
	_, err = c.Fetch(context.Background(), opts)
	require.NoError(t, err)

	now = now.Add(DefaultServerStaleTime)
	_, err = c.Fetch(context.Background(), opts)
	require.NoError(t, err)
}

func TestInfinite(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	c := newClient(t, b)

	cont := "p2"
	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:list", map[string]any{"status": "open", "cursor": nil, "limit": 2}).
		Return(map[string]any{"page": []any{"a", "b"}, "isDone": false, "continueCursor": cont}, nil)
	b.EXPECT().Call(gomock.Any(), meta.KindQuery, "todos:list", map[string]any{"status": "open", "cursor": "p2", "limit": 2}).
		Return(pagination.Page[string]{Page: []string{"c"}, IsDone: true}, nil)

	opts := c.Ref("todos", "list").InfiniteQueryOptions(map[string]any{"status": "open"}, 2)
	inf := Infinite[string](c, opts)
	for inf.HasNext() {
		_, err := inf.FetchNext(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, inf.Items())

	first, ok := c.GetQueryData(opts.Key)
	require.True(t, ok)
	require.NotNil(t, first)
}
