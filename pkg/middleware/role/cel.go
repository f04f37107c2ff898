package role

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/crpcgo/crpc/pkg/session"
)

var celEnvOptions = []cel.EnvOption{
	cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	cel.Variable("role", cel.StringType),
}

// CELPolicy evaluates one CEL expression per role against the variables "user" (a map
// with id, isAdmin, plan and roles) and "role". Roles without an expression fall back to
// DefaultPolicy.
type CELPolicy struct {
	programs map[string]cel.Program
}

var _ Policy = (*CELPolicy)(nil)

// NewCELPolicy compiles expressions, keyed by role. Every expression must evaluate to a bool.
func NewCELPolicy(expressions map[string]string) (*CELPolicy, error) {
	env, err := cel.NewEnv(celEnvOptions...)
	if err != nil {
		return nil, err
	}

	programs := make(map[string]cel.Program, len(expressions))
	for role, expr := range expressions {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("role %q: %w", role, issues.Err())
		}
		if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
			return nil, fmt.Errorf("role %q: expected a bool expression, but got '%s'", role, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", role, err)
		}
		programs[role] = prg
	}
	return &CELPolicy{programs: programs}, nil
}

func (p *CELPolicy) Allow(ctx context.Context, user *session.User, role string) (bool, error) {
	prg, ok := p.programs[role]
	if !ok {
		return DefaultPolicy{}.Allow(ctx, user, role)
	}

	roles := make([]any, 0, len(user.Roles))
	for _, r := range user.Roles {
		roles = append(roles, r)
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"user": map[string]any{
			"id":      user.ID,
			"isAdmin": user.IsAdmin,
			"plan":    user.Plan,
			"roles":   roles,
		},
		"role": role,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate role %q: %w", role, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("role %q evaluated to %T", role, out.Value())
	}
	return allowed, nil
}
