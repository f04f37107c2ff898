package httpbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/session"
)

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestCall(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		switch r.URL.Path {
		case "/api/query/todos:list":
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			var args map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
			require.Equal(t, map[string]any{"status": "open"}, args)
			writeJSON(w, http.StatusOK, `{"value":[{"id":"1"}]}`)
		case "/api/mutation/todos:create":
			writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"UNAUTHORIZED","message":"Not authenticated"}}`)
		case "/api/action/todos:export":
			writeJSON(w, http.StatusOK, `{}`)
		case "/api/action/todos:boom":
			writeJSON(w, http.StatusInternalServerError, `{"error":{"code":"INTERNAL","message":"Internal Server Error"}}`)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL + "/")
	ctx := session.ContextWithToken(context.Background(), "tok")

	t.Run("value", func(t *testing.T) {
		attempts.Store(0)
		out, err := c.Call(ctx, meta.KindQuery, "todos:list", map[string]any{"status": "open"})
		require.NoError(t, err)
		require.JSONEq(t, `[{"id":"1"}]`, string(out.(json.RawMessage)))
		require.EqualValues(t, 1, attempts.Load())
	})

	t.Run("empty_value", func(t *testing.T) {
		out, err := c.Call(ctx, meta.KindAction, "todos:export", nil)
		require.NoError(t, err)
		require.Nil(t, out)
	})

	t.Run("client_error_is_not_retried", func(t *testing.T) {
		attempts.Store(0)
		_, err := c.Call(ctx, meta.KindMutation, "todos:create", nil)
		require.Equal(t, crpcerrors.Unauthorized, crpcerrors.CodeOf(err))
		require.True(t, crpcerrors.IsClientError(err))
		require.ErrorContains(t, err, "401")

		var e *crpcerrors.Error
		require.ErrorAs(t, err, &e)
		require.Equal(t, "todos:create", e.FunctionName)
		require.EqualValues(t, 1, attempts.Load())
	})

	t.Run("internal_error_is_not_retried", func(t *testing.T) {
		attempts.Store(0)
		_, err := c.Call(ctx, meta.KindAction, "todos:boom", nil)
		require.Equal(t, crpcerrors.Internal, crpcerrors.CodeOf(err))
		require.EqualValues(t, 1, attempts.Load())
	})

	t.Run("undecodable_error_uses_status", func(t *testing.T) {
		_, err := c.Call(ctx, meta.KindQuery, "todos:nope", nil)
		require.Equal(t, crpcerrors.Internal, crpcerrors.CodeOf(err))
		require.ErrorContains(t, err, "418")
	})

	t.Run("bad_arguments", func(t *testing.T) {
		_, err := c.Call(ctx, meta.KindQuery, "todos:list", map[string]any{"f": func() {}})
		require.Equal(t, crpcerrors.BadRequest, crpcerrors.CodeOf(err))
	})
}

func TestCallRetriesUnavailable(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, `{"value":1}`)
	}))
	t.Cleanup(srv.Close)

	out, err := New(srv.URL).Call(context.Background(), meta.KindQuery, "todos:count", nil)
	require.NoError(t, err)
	require.JSONEq(t, `1`, string(out.(json.RawMessage)))
	require.EqualValues(t, 3, attempts.Load())

	attempts.Store(-10)
	_, err = New(srv.URL, WithRetryMax(1)).Call(context.Background(), meta.KindQuery, "todos:count", nil)
	require.Equal(t, crpcerrors.Internal, crpcerrors.CodeOf(err))
	require.EqualValues(t, -8, attempts.Load())
}

func TestCallUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := New(srv.URL, WithRetryMax(0)).Call(context.Background(), meta.KindQuery, "todos:count", nil)
	require.Equal(t, crpcerrors.Internal, crpcerrors.CodeOf(err))
	require.ErrorContains(t, err, "backend unreachable")
}

func sseServer(t *testing.T, events func(w http.ResponseWriter, flush func(), r *http.Request)) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, backend.SubscribePrefix) {
			writeJSON(w, http.StatusNotFound, `{"error":{"code":"NOT_FOUND","message":"not here"}}`)
			return
		}
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		events(w, flusher.Flush, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscribe(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, flush func(), r *http.Request) {
		require.JSONEq(t, `{"status":"open"}`, r.URL.Query().Get(backend.ArgsParam))
		fmt.Fprint(w, ": comment\n\n")
		fmt.Fprint(w, "event: update\ndata: {\"n\":1}\n\n")
		fmt.Fprint(w, "event: update\ndata: {\"n\":\ndata: 2}\n\n")
		fmt.Fprint(w, "event: ping\ndata: x\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"code\":\"FORBIDDEN\",\"message\":\"Access denied\"}\n\n")
		flush()
	})

	updates := make(chan backend.Update, 8)
	sub, err := New(srv.URL).Subscribe(context.Background(), "todos:list", map[string]any{"status": "open"}, func(u backend.Update) {
		updates <- u
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	next := func() backend.Update {
		select {
		case u := <-updates:
			return u
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out")
			return backend.Update{}
		}
	}
	require.JSONEq(t, `{"n":1}`, string(next().Value.(json.RawMessage)))
	require.JSONEq(t, `{"n":2}`, string(next().Value.(json.RawMessage)))

	u := next()
	require.Equal(t, crpcerrors.Forbidden, crpcerrors.CodeOf(u.Err))

	select {
	case u := <-updates:
		require.FailNow(t, "unexpected update after error", "%v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeStreamEnds(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, flush func(), _ *http.Request) {
		fmt.Fprint(w, "event: update\ndata: 1\n\n")
		flush()
	})

	updates := make(chan backend.Update, 8)
	_, err := New(srv.URL).Subscribe(context.Background(), "todos:count", nil, func(u backend.Update) { updates <- u })
	require.NoError(t, err)

	require.NoError(t, (<-updates).Err)
	u := <-updates
	require.Equal(t, crpcerrors.Internal, crpcerrors.CodeOf(u.Err))
	require.ErrorContains(t, u.Err, "subscription stream interrupted")
}

func TestSubscribeErrorEventEndsStream(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, flush func(), _ *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"code\":\"UNAUTHORIZED\",\"message\":\"Not authenticated\"}\n\n")
		fmt.Fprint(w, "event: update\ndata: 1\n\n")
		flush()
	})

	var count atomic.Int32
	updates := make(chan backend.Update, 8)
	_, err := New(srv.URL).Subscribe(context.Background(), "todos:list", nil, func(u backend.Update) {
		count.Add(1)
		updates <- u
	})
	require.NoError(t, err)

	u := <-updates
	require.Equal(t, crpcerrors.Unauthorized, crpcerrors.CodeOf(u.Err))
	require.NotContains(t, u.Err.Error(), "interrupted")

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), count.Load())
}

func TestSubscribeClose(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, flush func(), r *http.Request) {
		fmt.Fprint(w, "event: update\ndata: 1\n\n")
		flush()
		<-r.Context().Done()
	})

	updates := make(chan backend.Update, 8)
	sub, err := New(srv.URL).Subscribe(context.Background(), "todos:count", nil, func(u backend.Update) { updates <- u })
	require.NoError(t, err)
	require.NoError(t, (<-updates).Err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	select {
	case u := <-updates:
		require.FailNow(t, "unexpected update after close", "%v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"UNAUTHORIZED","message":"Not authenticated"}}`)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Subscribe(context.Background(), "todos:list", nil, func(backend.Update) {})
	require.Equal(t, crpcerrors.Unauthorized, crpcerrors.CodeOf(err))
}
