// Package auth provides the session-resolving middleware stages.
package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/middleware"
	"github.com/crpcgo/crpc/pkg/session"
)

type stageOptions struct {
	logger logger.Logger
}

type Option func(*stageOptions)

func WithLogger(l logger.Logger) Option {
	return func(o *stageOptions) {
		o.logger = l
	}
}

func newOptions(opts []Option) *stageOptions {
	o := &stageOptions{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optional resolves the session if there is one. Anonymous callers, and callers whose
// session cannot be resolved, continue with a nil user. It never fails the call.
func Optional(resolver session.Resolver, opts ...Option) middleware.Stage {
	o := newOptions(opts)
	return func(ctx context.Context, req middleware.Request, next middleware.Next) (middleware.Result, error) {
		s, err := resolver.ResolveSession(ctx)
		if err != nil {
			o.logger.DebugWithContext(ctx, "optional session resolution failed",
				zap.String("function", req.Name),
				zap.Error(err),
			)
			s = nil
		}
		return next(ctx, overlayFor(ctx, s))
	}
}

// Required resolves the session and fails with UNAUTHORIZED when there is none.
func Required(resolver session.Resolver, opts ...Option) middleware.Stage {
	o := newOptions(opts)
	return func(ctx context.Context, req middleware.Request, next middleware.Next) (middleware.Result, error) {
		s, err := resolver.ResolveSession(ctx)
		if err != nil {
			if crpcerrors.IsClientError(err) {
				return middleware.Result{}, err
			}
			o.logger.ErrorWithContext(ctx, "session resolution failed",
				zap.String("function", req.Name),
				zap.Error(err),
			)
			return middleware.Result{}, crpcerrors.HandleError("", err)
		}
		if s == nil {
			return middleware.Result{}, crpcerrors.UnauthorizedError("").WithFunction(req.Name)
		}
		return next(ctx, overlayFor(ctx, s))
	}
}

func overlayFor(ctx context.Context, s *session.Session) callctx.Values {
	if s == nil {
		return callctx.Values{
			callctx.KeySession: nil,
			callctx.KeyUser:    nil,
			callctx.KeyUserID:  nil,
		}
	}
	overlay := callctx.Values{
		callctx.KeySession: s,
		callctx.KeyUser:    s.User(),
		callctx.KeyUserID:  s.UserID,
	}
	if token, ok := session.TokenFromContext(ctx); ok {
		overlay[callctx.KeyRawAuth] = token
	}
	return overlay
}
