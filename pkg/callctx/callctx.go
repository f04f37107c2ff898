// Package callctx implements the per-call context that middleware stages build up
// before a procedure handler runs.
package callctx

import (
	"context"

	"github.com/crpcgo/crpc/pkg/session"
)

// Key names a well-known call context entry.
type Key string

const (
	KeySession      Key = "session"
	KeyUser         Key = "user"
	KeyUserID       Key = "userId"
	KeyRawAuth      Key = "rawAuth"
	KeyRateLimitKey Key = "rateLimitKey"
	KeyRequestID    Key = "requestId"
	KeyFunction     Key = "function"
	KeyClientIP     Key = "clientIp"
	KeyEnvironment  Key = "environment"
)

// Values is the call context of one in-flight call. It is owned by that call and is
// never shared; stages never mutate it in place.
type Values map[Key]any

// Merge returns a new Values holding v with overlay applied on top. Overlay keys win;
// keys of v not present in overlay are preserved. Neither input is modified.
func (v Values) Merge(overlay Values) Values {
	out := make(Values, len(v)+len(overlay))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range overlay {
		out[k] = val
	}
	return out
}

// With returns a copy of v with a single key set.
func (v Values) With(key Key, value any) Values {
	return v.Merge(Values{key: value})
}

// Has reports whether key is present, even if its value is nil.
func (v Values) Has(key Key) bool {
	_, ok := v[key]
	return ok
}

func (v Values) String(key Key) string {
	s, _ := v[key].(string)
	return s
}

// Session returns the resolved session, or nil.
func (v Values) Session() *session.Session {
	s, _ := v[KeySession].(*session.Session)
	return s
}

// User returns the resolved user, or nil when the caller is anonymous.
func (v Values) User() *session.User {
	u, _ := v[KeyUser].(*session.User)
	return u
}

// UserID returns the resolved user id, or "" when the caller is anonymous.
func (v Values) UserID() string {
	return v.String(KeyUserID)
}

func (v Values) RequestID() string {
	return v.String(KeyRequestID)
}

func (v Values) ClientIP() string {
	return v.String(KeyClientIP)
}

func (v Values) RawAuth() string {
	return v.String(KeyRawAuth)
}

type ctxKey struct{}

// ContextWithValues attaches transport-level call values (request id, client address,
// raw auth) to ctx. They seed the call context of every procedure called with ctx.
func ContextWithValues(parent context.Context, values Values) context.Context {
	return context.WithValue(parent, ctxKey{}, FromContext(parent).Merge(values))
}

// FromContext returns the values attached with ContextWithValues.
func FromContext(ctx context.Context) Values {
	v, _ := ctx.Value(ctxKey{}).(Values)
	return v
}
