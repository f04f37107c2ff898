package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/crpcgo/crpc/internal/mocks"
	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/querykey"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects the updates of one observer.
type recorder struct {
	mu      sync.Mutex
	updates []backend.Update
}

func (r *recorder) observe(u backend.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Value)
	}
	return out
}

func (r *recorder) last() backend.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

// expectSubscribe makes the mock backend capture the push function of each subscription.
func expectSubscribe(b *mocks.MockBackend, sub backend.Subscription, pushes chan<- backend.UpdateFunc) *gomock.Call {
	return b.EXPECT().
		Subscribe(gomock.Any(), "todos:list", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ any, onUpdate backend.UpdateFunc) (backend.Subscription, error) {
			pushes <- onUpdate
			return sub, nil
		})
}

func TestAttachDetachReattachKeepsOneSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	pushes := make(chan backend.UpdateFunc, 1)

	expectSubscribe(b, sub, pushes).Times(1)
	sub.EXPECT().Close().Return(nil).Times(1)

	m := NewManager(b, WithUnsubscribeDelay(time.Hour))
	ctx := context.Background()

	first, err := m.Attach(ctx, "todos:list", map[string]any{"status": "open", "limit": 10}, func(backend.Update) {})
	require.NoError(t, err)
	first.Close()
	first.Close()
	require.Equal(t, 1, m.Active())
	require.Zero(t, m.Observers(first.Identity()))

	second, err := m.Attach(ctx, "todos:list", map[string]any{"limit": 10, "status": "open"}, func(backend.Update) {})
	require.NoError(t, err)
	require.Equal(t, first.Identity(), second.Identity())
	require.NotEqual(t, first.ID(), second.ID())
	require.Equal(t, 1, m.Observers(second.Identity()))

	m.Close()
	require.Zero(t, m.Active())

	_, err = m.Attach(ctx, "todos:list", nil, func(backend.Update) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestTeardownAfterDelay(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	pushes := make(chan backend.UpdateFunc, 2)

	closed := make(chan struct{}, 2)
	expectSubscribe(b, sub, pushes).Times(2)
	sub.EXPECT().Close().DoAndReturn(func() error {
		closed <- struct{}{}
		return nil
	}).Times(2)

	m := NewManager(b, WithUnsubscribeDelay(20*time.Millisecond))
	obs, err := m.Attach(context.Background(), "todos:list", nil, func(backend.Update) {})
	require.NoError(t, err)
	obs.Close()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "subscription was not torn down")
	}
	require.Zero(t, m.Active())

	t.Run("zero_delay_tears_down_immediately", func(t *testing.T) {
		m := NewManager(b, WithUnsubscribeDelay(0))
		obs, err := m.Attach(context.Background(), "todos:list", nil, func(backend.Update) {})
		require.NoError(t, err)
		obs.Close()
		require.Len(t, closed, 1)
		require.Zero(t, m.Active())
	})
}

func TestFanOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	pushes := make(chan backend.UpdateFunc, 1)

	expectSubscribe(b, sub, pushes).Times(1)
	sub.EXPECT().Close().Return(nil).Times(1)

	var hooked []string
	m := NewManager(b, WithUpdateHook(func(identity string, u backend.Update) {
		hooked = append(hooked, identity)
	}))
	t.Cleanup(m.Close)

	var a, c recorder
	obsA, err := m.Attach(context.Background(), "todos:list", nil, a.observe)
	require.NoError(t, err)
	push := <-pushes

	push(backend.Update{Value: 1})
	push(backend.Update{Value: 2})

	latest, ok := m.Latest(obsA.Identity())
	require.True(t, ok)
	require.Equal(t, 2, latest)

	_, err = m.Attach(context.Background(), "todos:list", map[string]any{}, c.observe)
	require.NoError(t, err)
	push(backend.Update{Value: 3})

	require.Equal(t, []any{1, 2, 3}, a.values())
	require.Equal(t, []any{2, 3}, c.values())
	require.Equal(t, []string{
		querykey.MustIdentity(querykey.Subscribed, "todos:list", nil),
		querykey.MustIdentity(querykey.Subscribed, "todos:list", nil),
		querykey.MustIdentity(querykey.Subscribed, "todos:list", nil),
	}, hooked)

	t.Run("detached_observers_stop_receiving", func(t *testing.T) {
		obsA.Close()
		push(backend.Update{Value: 4})
		require.Equal(t, []any{1, 2, 3}, a.values())
		require.Equal(t, []any{2, 3, 4}, c.values())
	})
}

func TestBackendErrorReachesAllObservers(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	sub := mocks.NewMockSubscription(ctrl)
	pushes := make(chan backend.UpdateFunc, 2)

	expectSubscribe(b, sub, pushes).Times(2)
	sub.EXPECT().Close().Return(nil).Times(2)

	m := NewManager(b)
	t.Cleanup(m.Close)

	var a, c recorder
	obsA, err := m.Attach(context.Background(), "todos:list", nil, a.observe)
	require.NoError(t, err)
	_, err = m.Attach(context.Background(), "todos:list", nil, c.observe)
	require.NoError(t, err)
	push := <-pushes

	push(backend.Update{Err: crpcerrors.UnauthorizedError("")})
	require.Equal(t, crpcerrors.Unauthorized, crpcerrors.CodeOf(a.last().Err))
	require.Equal(t, crpcerrors.Unauthorized, crpcerrors.CodeOf(c.last().Err))
	require.Zero(t, m.Active())

	t.Run("late_pushes_are_dropped", func(t *testing.T) {
		push(backend.Update{Value: 1})
		require.Len(t, a.values(), 1)
	})

	t.Run("closing_a_stale_observation_is_harmless", func(t *testing.T) {
		obsA.Close()
	})

	t.Run("next_attach_resubscribes", func(t *testing.T) {
		_, err := m.Attach(context.Background(), "todos:list", nil, a.observe)
		require.NoError(t, err)
		require.Equal(t, 1, m.Active())
	})
}

func TestAttachFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	boom := errors.New("boom")
	b.EXPECT().Subscribe(gomock.Any(), "todos:list", gomock.Any(), gomock.Any()).Return(nil, boom)

	m := NewManager(b)
	t.Cleanup(m.Close)

	_, err := m.Attach(context.Background(), "todos:list", nil, func(backend.Update) {})
	require.ErrorIs(t, err, boom)
	require.Zero(t, m.Active())

	_, err = m.Attach(context.Background(), "todos:list", map[string]any{"f": func() {}}, func(backend.Update) {})
	require.Error(t, err)
}

func TestReset(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	b.EXPECT().Subscribe(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(sub, nil).Times(3)
	sub.EXPECT().Close().Return(nil).Times(3)

	m := NewManager(b)
	for _, args := range []any{map[string]any{"a": 1}, map[string]any{"a": 2}, map[string]any{"a": 3}} {
		_, err := m.Attach(context.Background(), "todos:get", args, func(backend.Update) {})
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Active())

	m.Reset()
	require.Zero(t, m.Active())

	m.Close()
}
