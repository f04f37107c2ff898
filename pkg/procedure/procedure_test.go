package procedure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/crpcgo/crpc/internal/mocks"
	"github.com/crpcgo/crpc/pkg/admission"
	"github.com/crpcgo/crpc/pkg/admission/memory"
	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/middleware"
	"github.com/crpcgo/crpc/pkg/session"
	"github.com/crpcgo/crpc/pkg/validation"
)

type createTodo struct {
	Title string `json:"title"`
}

type todo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Owner string `json:"owner,omitempty"`
}

var createTodoSchema = validation.MustCompile("createTodo", `{
  "type": "object",
  "required": ["title"],
  "properties": {"title": {"type": "string", "minLength": 1}}
}`)

func tokenResolver() session.Resolver {
	return session.ResolverFunc(func(ctx context.Context) (*session.Session, error) {
		token, ok := session.TokenFromContext(ctx)
		if !ok {
			return nil, nil
		}
		return &session.Session{UserID: token, IsAdmin: token == "root"}, nil
	})
}

func TestRequiredAuthQueryWithoutSession(t *testing.T) {
	f := NewFactory(WithSessionResolver(tokenResolver()))
	handled := false
	p := Query(f.AuthQuery(), func(ctx context.Context, call callctx.Values, in struct{}) (string, error) {
		handled = true
		return call.UserID(), nil
	})

	_, err := p.Invoke(context.Background(), "todos:mine", nil, nil)
	require.Equal(t, crpcerrors.Unauthorized, crpcerrors.CodeOf(err))
	require.False(t, handled)

	out, err := p.Invoke(session.ContextWithToken(context.Background(), "u1"), "todos:mine", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "u1", out)
}

func TestOptionalAuthQueryWithoutSession(t *testing.T) {
	f := NewFactory(WithSessionResolver(tokenResolver()))
	var seen *session.User
	handled := false
	p := Query(f.OptionalAuthQuery(), func(ctx context.Context, call callctx.Values, in struct{}) (bool, error) {
		handled = true
		seen = call.User()
		return call.Has(callctx.KeyUser), nil
	})

	out, err := p.Invoke(context.Background(), "todos:list", nil, nil)
	require.NoError(t, err)
	require.True(t, handled)
	require.Nil(t, seen)
	require.Equal(t, true, out)
}

func TestMutationRateLimited(t *testing.T) {
	const n = 3
	now := time.Now()
	controller, err := memory.New(admission.Limits{"todo/create": {Requests: n, Window: time.Hour}}, memory.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(controller.Close)

	f := NewFactory(WithSessionResolver(tokenResolver()), WithAdmissionController(controller))
	sideEffects := 0
	p := Mutation(f.AuthMutation().RateLimit("todo/create"), func(ctx context.Context, call callctx.Values, in createTodo) (todo, error) {
		sideEffects++
		return todo{ID: "t1", Title: in.Title, Owner: call.UserID()}, nil
	})

	ctx := session.ContextWithToken(context.Background(), "u1")
	for i := 0; i < n; i++ {
		out, err := p.Invoke(ctx, "todos:create", nil, createTodo{Title: "milk"})
		require.NoError(t, err)
		require.Equal(t, todo{ID: "t1", Title: "milk", Owner: "u1"}, out)
	}

	_, err = p.Invoke(ctx, "todos:create", nil, createTodo{Title: "milk"})
	require.Equal(t, crpcerrors.RateLimited, crpcerrors.CodeOf(err))
	require.Equal(t, n, sideEffects)

	// a different identity has its own budget
	_, err = p.Invoke(session.ContextWithToken(context.Background(), "u2"), "todos:create", nil, createTodo{Title: "milk"})
	require.NoError(t, err)
}

func TestMutationAlwaysRateLimited(t *testing.T) {
	ctrl := gomock.NewController(t)
	controller := mocks.NewMockController(ctrl)
	controller.EXPECT().CheckAndConsume(gomock.Any(), meta.DefaultRateLimitBucket, "anonymous").Return(false, nil)

	f := NewFactory(WithAdmissionController(controller))
	b := f.PublicMutation()
	b.rateLimited = false
	b.chain = middleware.Compose()

	p := Mutation(b, func(context.Context, callctx.Values, struct{}) (struct{}, error) {
		t.Fatal("handler must not run")
		return struct{}{}, nil
	})
	_, err := p.Invoke(context.Background(), "todos:touch", nil, nil)
	require.Equal(t, crpcerrors.RateLimited, crpcerrors.CodeOf(err))
}

func TestStageOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)
	controller := mocks.NewMockController(ctrl)

	gomock.InOrder(
		resolver.EXPECT().ResolveSession(gomock.Any()).Return(&session.Session{UserID: "u9"}, nil),
		controller.EXPECT().CheckAndConsume(gomock.Any(), "default", "u9").Return(true, nil),
	)

	f := NewFactory(WithSessionResolver(resolver), WithAdmissionController(controller))
	p := Mutation(f.AuthMutation(), func(ctx context.Context, call callctx.Values, in struct{}) (string, error) {
		return call.String(callctx.KeyRateLimitKey), nil
	})
	out, err := p.Invoke(context.Background(), "todos:touch", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "default", out)
}

func TestRoleRequiresAdmin(t *testing.T) {
	f := NewFactory(WithSessionResolver(tokenResolver()))
	p := Action(f.AuthAction().Role("admin"), func(context.Context, callctx.Values, struct{}) (string, error) {
		return "done", nil
	})

	_, err := p.Invoke(session.ContextWithToken(context.Background(), "u1"), "admin:reset", nil, nil)
	require.Equal(t, crpcerrors.Forbidden, crpcerrors.CodeOf(err))

	out, err := p.Invoke(session.ContextWithToken(context.Background(), "root"), "admin:reset", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "done", out)
}

func TestInputValidation(t *testing.T) {
	f := NewFactory()
	stageRan := false
	spy := func(ctx context.Context, req middleware.Request, next middleware.Next) (middleware.Result, error) {
		stageRan = true
		return next(ctx, nil)
	}
	p := Mutation(f.PublicMutation().Input(createTodoSchema).Use(spy), func(_ context.Context, _ callctx.Values, in createTodo) (todo, error) {
		return todo{Title: in.Title}, nil
	})

	tests := map[string]any{
		`empty_title`:   createTodo{},
		`missing_title`: map[string]any{},
		`wrong_shape`:   "title",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			stageRan = false
			_, err := p.Invoke(context.Background(), "todos:create", nil, input)
			require.Equal(t, crpcerrors.BadRequest, crpcerrors.CodeOf(err))
			require.False(t, stageRan)
		})
	}

	out, err := p.Invoke(context.Background(), "todos:create", nil, map[string]any{"title": "milk"})
	require.NoError(t, err)
	require.Equal(t, todo{Title: "milk"}, out)
	require.True(t, stageRan)
}

type seedTodos struct {
	Title string `json:"title"`
	Count int    `json:"count"`
}

func TestInputValidatedAsSent(t *testing.T) {
	schema := validation.MustCompile("seedTodos", `{
  "type": "object",
  "required": ["title", "count"],
  "additionalProperties": false,
  "properties": {
    "title": {"type": "string"},
    "count": {"type": "integer"}
  }
}`)
	f := NewFactory()
	ran := 0
	p := Mutation(f.PublicMutation().Input(schema), func(_ context.Context, _ callctx.Values, in seedTodos) (int, error) {
		ran++
		return in.Count, nil
	})

	tests := map[string]any{
		`missing_required_fields`: map[string]any{},
		`missing_input`:           nil,
		`unknown_field`:           map[string]any{"title": "a", "count": 1, "owner": "bob"},
		`zero_value_count_absent`: map[string]any{"title": "a"},
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.Invoke(context.Background(), "todos:seed", nil, input)
			require.Equal(t, crpcerrors.BadRequest, crpcerrors.CodeOf(err))
			require.ErrorContains(t, err, "invalid input")
			require.Zero(t, ran)
		})
	}

	out, err := p.Invoke(context.Background(), "todos:seed", nil, map[string]any{"title": "a", "count": 0})
	require.NoError(t, err)
	require.Equal(t, 0, out)
	require.Equal(t, 1, ran)
}

func TestRoleNeedsRoleStage(t *testing.T) {
	f := NewFactory(WithSessionResolver(tokenResolver()))
	secret := func(context.Context, callctx.Values, struct{}) (string, error) {
		return "secret", nil
	}

	tests := map[string]Builder{
		`public_query`:           f.PublicQuery(),
		`optional_auth_query`:    f.OptionalAuthQuery(),
		`public_mutation`:        f.PublicMutation(),
		`optional_auth_mutation`: f.OptionalAuthMutation(),
		`public_action`:          f.PublicAction(),
		`internal_query`:         f.InternalQuery(),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			require.Panics(t, func() {
				switch b.Kind() {
				case meta.KindQuery:
					Query(b.Role("admin"), secret)
				case meta.KindMutation:
					Mutation(b.Role("admin"), secret)
				default:
					Action(b.Role("admin"), secret)
				}
			})
		})
	}

	p := Query(f.AuthQuery().Role("admin"), secret)
	_, err := p.Invoke(session.ContextWithToken(context.Background(), "u1"), "admin:secret", nil, nil)
	require.Equal(t, crpcerrors.Forbidden, crpcerrors.CodeOf(err))
}

func TestOutputValidation(t *testing.T) {
	f := NewFactory()
	p := Query(f.PublicQuery().Output(validation.MustCompile("todo", `{"type":"object","required":["id"],"properties":{"id":{"type":"string","minLength":1}}}`)),
		func(_ context.Context, _ callctx.Values, id string) (todo, error) {
			return todo{ID: id}, nil
		})

	_, err := p.Invoke(context.Background(), "todos:get", nil, "")
	require.Equal(t, crpcerrors.BadRequest, crpcerrors.CodeOf(err))
	require.ErrorContains(t, err, "invalid output")

	out, err := p.Invoke(context.Background(), "todos:get", nil, "t1")
	require.NoError(t, err)
	require.Equal(t, todo{ID: "t1"}, out)
}

func TestHandlerErrors(t *testing.T) {
	l, logs := logger.NewObserverLogger("error")
	f := NewFactory(WithLogger(l))

	notFound := Query(f.PublicQuery(), func(context.Context, callctx.Values, string) (todo, error) {
		return todo{}, crpcerrors.NotFoundError("todo")
	})
	_, err := notFound.Invoke(context.Background(), "todos:get", nil, "x")
	require.Equal(t, crpcerrors.NotFound, crpcerrors.CodeOf(err))
	require.Zero(t, logs.Len())

	broken := Query(f.PublicQuery(), func(context.Context, callctx.Values, string) (todo, error) {
		return todo{}, errors.New("index corrupted")
	})
	_, err = broken.Invoke(context.Background(), "todos:get", nil, "x")
	require.Equal(t, crpcerrors.Internal, crpcerrors.CodeOf(err))
	require.NotContains(t, err.Error(), "index corrupted")
	require.Equal(t, 1, logs.Len())
}

func TestContractViolation(t *testing.T) {
	forgetful := func(context.Context, middleware.Request, middleware.Next) (middleware.Result, error) {
		return middleware.Result{}, nil
	}
	handler := func(context.Context, callctx.Values, struct{}) (struct{}, error) {
		return struct{}{}, nil
	}

	t.Run("production_logs_and_fails", func(t *testing.T) {
		l, logs := logger.NewObserverLogger("error")
		p := Query(NewFactory(WithLogger(l), WithEnvironment(Production)).PublicQuery().Use(forgetful), handler)

		_, err := p.Invoke(context.Background(), "todos:list", nil, nil)
		require.ErrorIs(t, err, crpcerrors.ErrMiddlewareDidNotCallNext)
		require.Equal(t, 1, logs.FilterMessage("middleware contract violation").Len())
	})

	t.Run("development_panics", func(t *testing.T) {
		p := Query(NewFactory(WithEnvironment(Development)).PublicQuery().Use(forgetful), handler)
		require.Panics(t, func() {
			_, _ = p.Invoke(context.Background(), "todos:list", nil, nil)
		})
	})
}

func TestDevOnlyProcedures(t *testing.T) {
	handler := func(context.Context, callctx.Values, struct{}) (string, error) {
		return "seeded", nil
	}

	prod := Action(NewFactory(WithEnvironment(Production)).PublicAction().Dev(), handler)
	_, err := prod.Invoke(context.Background(), "admin:seed", nil, nil)
	require.Equal(t, crpcerrors.Forbidden, crpcerrors.CodeOf(err))

	dev := Action(NewFactory(WithEnvironment(Development)).PublicAction().Dev(), handler)
	out, err := dev.Invoke(context.Background(), "admin:seed", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "seeded", out)
}

func TestBuildPanicsOnKindMismatch(t *testing.T) {
	f := NewFactory()
	require.Panics(t, func() {
		Query(f.PublicMutation(), func(context.Context, callctx.Values, struct{}) (struct{}, error) {
			return struct{}{}, nil
		})
	})
	require.Panics(t, func() {
		Query[struct{}, struct{}](Builder{}, nil)
	})
}

func TestBuildersAreValues(t *testing.T) {
	f := NewFactory()
	base := f.AuthQuery()
	withRole := base.Role("admin").Dev()

	require.Empty(t, base.FunctionMeta().Role)
	require.False(t, base.FunctionMeta().Dev)
	require.Equal(t, meta.FunctionMeta{Kind: meta.KindQuery, Auth: meta.AuthRequired, Role: "admin", Dev: true}, withRole.FunctionMeta())
	require.Equal(t, 3, base.chain.Len())
	require.Equal(t, 4, base.Use(passThroughStage).chain.Len())
	require.Equal(t, 3, base.chain.Len())
}

func passThroughStage(ctx context.Context, _ middleware.Request, next middleware.Next) (middleware.Result, error) {
	return next(ctx, nil)
}

func TestPresets(t *testing.T) {
	f := NewFactory()
	tests := map[string]struct {
		builder Builder
		kind    meta.Kind
		auth    meta.AuthMode
		stages  int
	}{
		`public_query`:           {f.PublicQuery(), meta.KindQuery, meta.AuthNone, 1},
		`optional_auth_query`:    {f.OptionalAuthQuery(), meta.KindQuery, meta.AuthOptional, 2},
		`auth_query`:             {f.AuthQuery(), meta.KindQuery, meta.AuthRequired, 3},
		`public_mutation`:        {f.PublicMutation(), meta.KindMutation, meta.AuthNone, 2},
		`optional_auth_mutation`: {f.OptionalAuthMutation(), meta.KindMutation, meta.AuthOptional, 3},
		`auth_mutation`:          {f.AuthMutation(), meta.KindMutation, meta.AuthRequired, 4},
		`public_action`:          {f.PublicAction(), meta.KindAction, meta.AuthNone, 1},
		`auth_action`:            {f.AuthAction(), meta.KindAction, meta.AuthRequired, 3},
		`internal_query`:         {f.InternalQuery(), meta.KindQuery, meta.AuthNone, 0},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, test.kind, test.builder.Kind())
			require.Equal(t, test.auth, test.builder.FunctionMeta().Auth)
			require.Equal(t, test.stages, test.builder.chain.Len())
		})
	}
	require.True(t, f.InternalMutation().FunctionMeta().Internal)
	require.True(t, f.InternalAction().FunctionMeta().Internal)
}
