// Package role gates functions that declare a role requirement.
package role

import (
	"context"

	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/middleware"
	"github.com/crpcgo/crpc/pkg/session"
)

// AdminRole is granted to users whose session marks them as admin.
const AdminRole = "admin"

// Policy decides whether user holds role. user is never nil.
type Policy interface {
	Allow(ctx context.Context, user *session.User, role string) (bool, error)
}

// DefaultPolicy grants "admin" to admins and any other role to users that list it.
type DefaultPolicy struct{}

var _ Policy = (*DefaultPolicy)(nil)

func (DefaultPolicy) Allow(_ context.Context, user *session.User, role string) (bool, error) {
	if role == AdminRole {
		return user.IsAdmin, nil
	}
	return user.HasRole(role), nil
}

// New returns a stage enforcing meta.Role with policy. It must run after an auth stage;
// a missing user is FORBIDDEN. Functions without a role pass through.
func New(policy Policy) middleware.Stage {
	if policy == nil {
		policy = DefaultPolicy{}
	}
	return func(ctx context.Context, req middleware.Request, next middleware.Next) (middleware.Result, error) {
		if req.Meta.Role == "" {
			return next(ctx, nil)
		}
		user := req.Call.User()
		if user == nil {
			return middleware.Result{}, crpcerrors.ForbiddenError("").WithFunction(req.Name)
		}
		ok, err := policy.Allow(ctx, user, req.Meta.Role)
		if err != nil {
			return middleware.Result{}, crpcerrors.HandleError("", err)
		}
		if !ok {
			return middleware.Result{}, crpcerrors.Newf(crpcerrors.Forbidden, "Role %q required", req.Meta.Role).WithFunction(req.Name)
		}
		return next(ctx, nil)
	}
}
