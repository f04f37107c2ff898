// Package devmode rejects development-only functions outside development.
package devmode

import (
	"context"

	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/middleware"
)

// New returns a stage that fails functions marked dev with FORBIDDEN when production
// is true. Every other call passes through untouched.
func New(production bool) middleware.Stage {
	return func(ctx context.Context, req middleware.Request, next middleware.Next) (middleware.Result, error) {
		if req.Meta.Dev && production {
			return middleware.Result{}, crpcerrors.ForbiddenError("This function is only available in development").WithFunction(req.Name)
		}
		return next(ctx, nil)
	}
}
