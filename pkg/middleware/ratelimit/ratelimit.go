// Package ratelimit consults admission control before a function runs.
package ratelimit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/crpcgo/crpc/internal/build"
	"github.com/crpcgo/crpc/pkg/admission"
	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/middleware"
)

// AnonymousIdentity is the admission identity of callers without a user.
const AnonymousIdentity = "anonymous"

var deniedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "admission_denied_total",
	Help:      "The total number of calls rejected by admission control.",
}, []string{"bucket"})

type stageOptions struct {
	logger logger.Logger
}

type Option func(*stageOptions)

func WithLogger(l logger.Logger) Option {
	return func(o *stageOptions) {
		o.logger = l
	}
}

// Identity returns the admission identity of a call: the user id when known, else the
// anonymous identity, qualified by the client address when there is one.
func Identity(call callctx.Values) string {
	if id := call.UserID(); id != "" {
		return id
	}
	if ip := call.ClientIP(); ip != "" {
		return AnonymousIdentity + ":" + ip
	}
	return AnonymousIdentity
}

// New returns a stage that consumes one unit of the function's bucket for the caller
// and fails with RATE_LIMITED on denial. It performs no write of its own and must run
// after auth so the identity is resolved.
func New(controller admission.Controller, opts ...Option) middleware.Stage {
	o := &stageOptions{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return func(ctx context.Context, req middleware.Request, next middleware.Next) (middleware.Result, error) {
		bucket := req.Meta.Bucket()
		ok, err := controller.CheckAndConsume(ctx, bucket, Identity(req.Call))
		if err != nil {
			o.logger.ErrorWithContext(ctx, "admission check failed",
				zap.String("function", req.Name),
				zap.String("bucket", bucket),
				zap.Error(err),
			)
			return middleware.Result{}, crpcerrors.HandleError("", err)
		}
		if !ok {
			deniedCounter.WithLabelValues(bucket).Inc()
			return middleware.Result{}, crpcerrors.RateLimitedError(bucket).WithFunction(req.Name)
		}
		return next(ctx, callctx.Values{callctx.KeyRateLimitKey: bucket})
	}
}
