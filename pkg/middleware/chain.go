// Package middleware composes ordered middleware stages around a procedure handler.
//
// Each stage must either call next exactly once and return the Result it got back
// (optionally with a replaced output), or return an error. A stage that returns
// without an error and without the Result of its next call breaks the chain contract
// and the invocation fails with errors.ErrMiddlewareDidNotCallNext.
package middleware

import (
	"context"
	"fmt"

	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
)

// Request is what every stage sees: the qualified function name, its metadata, the
// validated input and the call context accumulated so far.
type Request struct {
	Name  string
	Meta  meta.FunctionMeta
	Input any
	Call  callctx.Values
}

// Result is produced by the handler at the end of the chain and handed back through
// every stage. Only a Result obtained from next is accepted by the chain.
type Result struct {
	Call   callctx.Values
	Output any

	token *invocation
}

// WithOutput returns r with its output replaced.
func (r Result) WithOutput(output any) Result {
	r.Output = output
	return r
}

// Next continues the chain. A nil overlay passes the call context through unchanged;
// otherwise overlay is shallow-merged over it.
type Next func(ctx context.Context, overlay callctx.Values) (Result, error)

// Stage is one middleware step.
type Stage func(ctx context.Context, req Request, next Next) (Result, error)

// Handler is the procedure body run after the last stage.
type Handler func(ctx context.Context, req Request) (any, error)

type invocation struct{}

// Chain is an immutable ordered list of stages.
type Chain struct {
	stages []Stage
}

// Compose returns a chain running stages in the given order.
func Compose(stages ...Stage) Chain {
	return Chain{stages: append([]Stage(nil), stages...)}
}

// Append returns a new chain with stages added after the existing ones. c is unchanged.
func (c Chain) Append(stages ...Stage) Chain {
	out := make([]Stage, 0, len(c.stages)+len(stages))
	out = append(out, c.stages...)
	out = append(out, stages...)
	return Chain{stages: out}
}

// Len returns the number of stages.
func (c Chain) Len() int {
	return len(c.stages)
}

// Then binds the chain to a handler.
func (c Chain) Then(h Handler) func(ctx context.Context, req Request) (Result, error) {
	return func(ctx context.Context, req Request) (Result, error) {
		return c.Execute(ctx, req, h)
	}
}

// Execute runs req through every stage and then through h. Errors returned by a stage
// or by h propagate unchanged; no later stage runs.
func (c Chain) Execute(ctx context.Context, req Request, h Handler) (Result, error) {
	inv := &invocation{}
	if req.Call == nil {
		req.Call = callctx.Values{}
	}
	return c.run(ctx, 0, req, h, inv)
}

func (c Chain) run(ctx context.Context, i int, req Request, h Handler, inv *invocation) (Result, error) {
	if i == len(c.stages) {
		out, err := h(ctx, req)
		if err != nil {
			return Result{}, err
		}
		return Result{Call: req.Call, Output: out, token: inv}, nil
	}

	called := false
	next := func(ctx context.Context, overlay callctx.Values) (Result, error) {
		if called {
			return Result{}, contractError(req.Name, i, crpcerrors.ErrMiddlewareCalledNextTwice)
		}
		called = true
		nextReq := req
		if overlay != nil {
			nextReq.Call = req.Call.Merge(overlay)
		}
		return c.run(ctx, i+1, nextReq, h, inv)
	}

	res, err := c.stages[i](ctx, req, next)
	if err != nil {
		return Result{}, err
	}
	if res.token != inv {
		return Result{}, contractError(req.Name, i, crpcerrors.ErrMiddlewareDidNotCallNext)
	}
	return res, nil
}

func contractError(name string, stage int, cause error) error {
	return crpcerrors.Wrap(
		crpcerrors.Internal,
		fmt.Sprintf("middleware stage %d: %s", stage, cause.Error()),
		cause,
	).WithFunction(name)
}
