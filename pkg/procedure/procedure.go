package procedure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crpcgo/crpc/internal/convert"
	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/middleware"
	"github.com/crpcgo/crpc/pkg/telemetry"
	"github.com/crpcgo/crpc/pkg/validation"
)

var tracer = otel.Tracer("crpc/pkg/procedure")

// Handler is the body of a procedure. call is the context built by the stages.
type Handler[In, Out any] func(ctx context.Context, call callctx.Values, in In) (Out, error)

// Procedure is a registered-ready handler with its stages and schemas.
type Procedure struct {
	factory *Factory
	meta    meta.FunctionMeta
	chain   middleware.Chain
	input   *validation.Schema
	decode  func(any) (any, error)
	handle  middleware.Handler
}

// Query builds a query procedure. It panics if b is not a query builder.
func Query[In, Out any](b Builder, h Handler[In, Out]) *Procedure {
	return newProcedure(meta.KindQuery, b, h)
}

// Mutation builds a mutation procedure. A rate-limit stage is appended if the builder
// has none. It panics if b is not a mutation builder.
func Mutation[In, Out any](b Builder, h Handler[In, Out]) *Procedure {
	if !b.rateLimited {
		b = b.Use(b.factory.RateLimitStage())
		b.rateLimited = true
	}
	return newProcedure(meta.KindMutation, b, h)
}

// Action builds an action procedure. It panics if b is not an action builder.
func Action[In, Out any](b Builder, h Handler[In, Out]) *Procedure {
	return newProcedure(meta.KindAction, b, h)
}

func newProcedure[In, Out any](kind meta.Kind, b Builder, h Handler[In, Out]) *Procedure {
	if b.factory == nil {
		panic("procedure: builder was not created by a Factory")
	}
	if b.meta.Kind != kind {
		panic(fmt.Sprintf("procedure: cannot build a %s from a %s builder", kind, b.meta.Kind))
	}
	if h == nil {
		panic("procedure: nil handler")
	}
	if b.meta.Role != "" && !b.roleChecked {
		panic(fmt.Sprintf("procedure: role %q needs a builder with a role stage, such as AuthQuery", b.meta.Role))
	}

	output := b.output
	return &Procedure{
		factory: b.factory,
		meta:    b.meta,
		chain:   b.chain,
		input:   b.input,
		decode: func(raw any) (any, error) {
			in, err := convert.To[In](raw)
			return in, err
		},
		handle: func(ctx context.Context, req middleware.Request) (any, error) {
			in, _ := req.Input.(In)
			out, err := h(ctx, req.Call, in)
			if err != nil {
				return nil, err
			}
			if err := validation.Check(output, out); err != nil {
				return nil, badRequest("invalid output", err)
			}
			return out, nil
		},
	}
}

// Meta returns the procedure's metadata.
func (p *Procedure) Meta() meta.FunctionMeta {
	return p.meta
}

// Invoke runs the procedure registered as name. Input is checked against the input
// schema as sent, then decoded into the handler's input type and checked by its own
// Validate method, all before the first stage runs.
func (p *Procedure) Invoke(ctx context.Context, name string, call callctx.Values, input any) (any, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "crpc."+string(p.meta.Kind), trace.WithAttributes(
		attribute.String("crpc.function", name),
	))
	defer span.End()

	out, err := p.invoke(ctx, name, call, input)

	code := "OK"
	if err != nil {
		code = string(crpcerrors.CodeOf(err))
		telemetry.TraceError(span, err)
	}
	span.SetAttributes(attribute.String("crpc.code", code))

	duration := time.Since(start)
	callCounter.WithLabelValues(name, string(p.meta.Kind), code).Inc()
	callDurationHistogram.WithLabelValues(string(p.meta.Kind), code).Observe(float64(duration.Milliseconds()))

	p.factory.logger.InfoWithContext(ctx, "procedure_call_complete",
		zap.String("function", name),
		zap.String("kind", string(p.meta.Kind)),
		zap.String("code", code),
		zap.String("request_id", call.RequestID()),
		zap.Duration("duration", duration),
	)
	return out, err
}

func (p *Procedure) invoke(ctx context.Context, name string, call callctx.Values, input any) (any, error) {
	if err := p.input.Validate(schemaInstance(input)); err != nil {
		return nil, badRequest("invalid input", err).WithFunction(name)
	}
	in, err := p.decode(input)
	if err != nil {
		return nil, badRequest("invalid input", err).WithFunction(name)
	}
	if err := validation.Check(nil, in); err != nil {
		return nil, badRequest("invalid input", err).WithFunction(name)
	}

	res, err := p.chain.Execute(ctx, middleware.Request{
		Name:  name,
		Meta:  p.meta,
		Input: in,
		Call:  call,
	}, p.handle)
	if err == nil {
		return res.Output, nil
	}

	if crpcerrors.IsContractViolation(err) {
		if p.factory.environment == Development {
			panic(err)
		}
		p.factory.logger.ErrorWithContext(ctx, "middleware contract violation",
			zap.String("function", name),
			zap.Error(err),
		)
		return nil, err
	}
	if crpcerrors.IsClientError(err) {
		return nil, err
	}

	p.factory.logger.ErrorWithContext(ctx, "procedure failed",
		zap.String("function", name),
		zap.Error(err),
	)
	return nil, crpcerrors.HandleError("", err)
}

// schemaInstance is the value an input schema sees: the input as sent, with a missing
// input read as an empty object.
func schemaInstance(input any) any {
	if input == nil {
		return map[string]any{}
	}
	return input
}

func badRequest(prefix string, err error) *crpcerrors.Error {
	return crpcerrors.Wrap(crpcerrors.BadRequest, prefix+": "+strings.Join(validation.Violations(err), "; "), err)
}
