// Package procedure builds typed queries, mutations and actions from middleware stages
// and registers them on a Router.
package procedure

import (
	"github.com/crpcgo/crpc/pkg/admission"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/middleware"
	"github.com/crpcgo/crpc/pkg/middleware/auth"
	"github.com/crpcgo/crpc/pkg/middleware/devmode"
	"github.com/crpcgo/crpc/pkg/middleware/ratelimit"
	"github.com/crpcgo/crpc/pkg/middleware/role"
	"github.com/crpcgo/crpc/pkg/session"
)

// Environment selects development or production behavior.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

func (e Environment) Valid() bool {
	return e == Development || e == Production
}

// Factory holds the collaborators shared by every procedure and hands out builders
// preloaded with the standard stage orderings.
type Factory struct {
	resolver    session.Resolver
	admission   admission.Controller
	policy      role.Policy
	environment Environment
	logger      logger.Logger
}

type FactoryOption func(*Factory)

func WithSessionResolver(r session.Resolver) FactoryOption {
	return func(f *Factory) {
		f.resolver = r
	}
}

func WithAdmissionController(c admission.Controller) FactoryOption {
	return func(f *Factory) {
		f.admission = c
	}
}

func WithRolePolicy(p role.Policy) FactoryOption {
	return func(f *Factory) {
		f.policy = p
	}
}

func WithEnvironment(env Environment) FactoryOption {
	return func(f *Factory) {
		f.environment = env
	}
}

func WithLogger(l logger.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = l
	}
}

// NewFactory returns a factory. Without options every caller is anonymous, every call
// is admitted and the environment is production.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		resolver:    session.NoopResolver{},
		admission:   admission.NoopController{},
		policy:      role.DefaultPolicy{},
		environment: Production,
		logger:      logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Environment() Environment {
	return f.environment
}

// DevStage rejects dev-only functions in production.
func (f *Factory) DevStage() middleware.Stage {
	return devmode.New(f.environment == Production)
}

// OptionalAuthStage resolves the session if any.
func (f *Factory) OptionalAuthStage() middleware.Stage {
	return auth.Optional(f.resolver, auth.WithLogger(f.logger))
}

// RequiredAuthStage requires a session.
func (f *Factory) RequiredAuthStage() middleware.Stage {
	return auth.Required(f.resolver, auth.WithLogger(f.logger))
}

// RoleStage enforces meta.Role.
func (f *Factory) RoleStage() middleware.Stage {
	return role.New(f.policy)
}

// RateLimitStage consults admission control.
func (f *Factory) RateLimitStage() middleware.Stage {
	return ratelimit.New(f.admission, ratelimit.WithLogger(f.logger))
}

func (f *Factory) builder(kind meta.Kind, authMode meta.AuthMode, rateLimited bool, stages ...middleware.Stage) Builder {
	return Builder{
		factory:     f,
		meta:        meta.FunctionMeta{Kind: kind, Auth: authMode},
		chain:       middleware.Compose(stages...),
		rateLimited: rateLimited,
	}
}

// PublicQuery: dev gating.
func (f *Factory) PublicQuery() Builder {
	return f.builder(meta.KindQuery, meta.AuthNone, false, f.DevStage())
}

// OptionalAuthQuery: dev gating, optional auth.
func (f *Factory) OptionalAuthQuery() Builder {
	return f.builder(meta.KindQuery, meta.AuthOptional, false, f.DevStage(), f.OptionalAuthStage())
}

// AuthQuery: dev gating, required auth, role.
func (f *Factory) AuthQuery() Builder {
	b := f.builder(meta.KindQuery, meta.AuthRequired, false, f.DevStage(), f.RequiredAuthStage(), f.RoleStage())
	b.roleChecked = true
	return b
}

// PublicMutation: dev gating, rate limit.
func (f *Factory) PublicMutation() Builder {
	return f.builder(meta.KindMutation, meta.AuthNone, true, f.DevStage(), f.RateLimitStage())
}

// OptionalAuthMutation: dev gating, optional auth, rate limit.
func (f *Factory) OptionalAuthMutation() Builder {
	return f.builder(meta.KindMutation, meta.AuthOptional, true, f.DevStage(), f.OptionalAuthStage(), f.RateLimitStage())
}

// AuthMutation: dev gating, required auth, role, rate limit.
func (f *Factory) AuthMutation() Builder {
	b := f.builder(meta.KindMutation, meta.AuthRequired, true, f.DevStage(), f.RequiredAuthStage(), f.RoleStage(), f.RateLimitStage())
	b.roleChecked = true
	return b
}

// PublicAction: dev gating.
func (f *Factory) PublicAction() Builder {
	return f.builder(meta.KindAction, meta.AuthNone, false, f.DevStage())
}

// AuthAction: dev gating, required auth, role.
func (f *Factory) AuthAction() Builder {
	b := f.builder(meta.KindAction, meta.AuthRequired, false, f.DevStage(), f.RequiredAuthStage(), f.RoleStage())
	b.roleChecked = true
	return b
}

// InternalQuery builds a query callable in-process only. Internal procedures run no
// auth or admission stages.
func (f *Factory) InternalQuery() Builder {
	return f.builder(meta.KindQuery, meta.AuthNone, false).internal()
}

// InternalMutation builds a mutation callable in-process only.
func (f *Factory) InternalMutation() Builder {
	return f.builder(meta.KindMutation, meta.AuthNone, true).internal()
}

// InternalAction builds an action callable in-process only.
func (f *Factory) InternalAction() Builder {
	return f.builder(meta.KindAction, meta.AuthNone, false).internal()
}
