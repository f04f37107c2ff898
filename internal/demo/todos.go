package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/id"
	"github.com/crpcgo/crpc/pkg/pagination"
	"github.com/crpcgo/crpc/pkg/procedure"
	"github.com/crpcgo/crpc/pkg/validation"
)

const (
	TodosBucket = "todos"
	AdminRole   = "admin"

	deleteBatchSize = 64
	exportPageSize  = 100
	maxSeed         = 50
)

var createSchema = validation.MustCompile("todos.create", `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200}
	},
	"required": ["title"]
}`)

type ListInput struct {
	pagination.Args
}

type IDInput struct {
	ID string `json:"id"`
}

func (in IDInput) Validate() error {
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if !id.Valid(in.ID) {
		return fmt.Errorf("id %q is not a todo id", in.ID)
	}
	return nil
}

type CountInput struct {
	// Owner defaults to the caller.
	Owner string `json:"owner,omitempty"`
}

type CountOutput struct {
	Owner string `json:"owner"`
	Count int    `json:"count"`
}

type CreateInput struct {
	Title string `json:"title"`
}

type ToggleInput struct {
	ID   string `json:"id"`
	Done bool   `json:"done"`
}

type SeedInput struct {
	Owner string `json:"owner"`
	Count int    `json:"count"`
}

type ExportOutput struct {
	Todos   []Todo `json:"todos"`
	Pages   int    `json:"pages"`
	Fetched int    `json:"fetched"`
}

type StatsOutput struct {
	Total int `json:"total"`
}

type ResetOutput struct {
	Deleted int `json:"deleted"`
}

type deletePageInput struct {
	Cursor *string `json:"cursor"`
}

// Register adds the todos and admin namespaces to r.
//
//	todos:list    AuthQuery            the caller's todos, paginated
//	todos:get     PublicQuery          one todo by id
//	todos:count   OptionalAuthQuery    todos of an owner, from the counted index
//	todos:total   InternalQuery        todos of every owner
//	todos:create  AuthMutation         rate limited in the "todos" bucket
//	todos:toggle  AuthMutation         owner only
//	todos:remove  AuthMutation         owner or admin
//	todos:view    OptionalAuthMutation counts a view
//	todos:seed    PublicMutation       development only
//	todos:export  AuthAction           drains todos:list pages in process
//	todos:stats   PublicAction         calls todos:total
//	admin:reset   AuthAction           admin role, development only
//	admin:deletePage InternalMutation  one batch of admin:reset
func Register(r *procedure.Router, f *procedure.Factory, s *Store) error {
	procs := []struct {
		namespace, name string
		p               *procedure.Procedure
	}{
		{"todos", "list", procedure.Query(f.AuthQuery(), s.list)},
		{"todos", "get", procedure.Query(f.PublicQuery(), s.get)},
		{"todos", "count", procedure.Query(f.OptionalAuthQuery(), s.count)},
		{"todos", "total", procedure.Query(f.InternalQuery(), s.total)},
		{"todos", "create", procedure.Mutation(f.AuthMutation().RateLimit(TodosBucket).Input(createSchema), s.create)},
		{"todos", "toggle", procedure.Mutation(f.AuthMutation(), s.toggle)},
		{"todos", "remove", procedure.Mutation(f.AuthMutation(), s.remove)},
		{"todos", "view", procedure.Mutation(f.OptionalAuthMutation(), s.view)},
		{"todos", "seed", procedure.Mutation(f.PublicMutation().Dev(), s.seed)},
		{"todos", "export", procedure.Action(f.AuthAction(), s.export)},
		{"todos", "stats", procedure.Action(f.PublicAction(), stats(r))},
		{"admin", "reset", procedure.Action(f.AuthAction().Role(AdminRole).Dev(), reset(r))},
		{"admin", "deletePage", procedure.Mutation(f.InternalMutation(), s.deletePage)},
	}
	for _, proc := range procs {
		if err := r.Register(proc.namespace, proc.name, proc.p); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(r *procedure.Router, f *procedure.Factory, s *Store) {
	if err := Register(r, f, s); err != nil {
		panic(err)
	}
}

func (s *Store) list(ctx context.Context, call callctx.Values, in ListInput) (pagination.Result[Todo], error) {
	return s.Page(ctx, call.UserID(), in.Cursor, in.PageSize(s.pageSize))
}

func (s *Store) get(_ context.Context, _ callctx.Values, in IDInput) (Todo, error) {
	t, ok := s.Get(in.ID)
	if !ok {
		return Todo{}, crpcerrors.NotFoundError("todo")
	}
	return t, nil
}

func (s *Store) count(ctx context.Context, call callctx.Values, in CountInput) (CountOutput, error) {
	owner := in.Owner
	if owner == "" {
		owner = call.UserID()
	}
	if owner == "" {
		return CountOutput{}, nil
	}
	n, err := s.Count(ctx, owner)
	if err != nil {
		return CountOutput{}, err
	}
	return CountOutput{Owner: owner, Count: n}, nil
}

func (s *Store) total(context.Context, callctx.Values, struct{}) (StatsOutput, error) {
	return StatsOutput{Total: s.Len()}, nil
}

func (s *Store) create(ctx context.Context, call callctx.Values, in CreateInput) (Todo, error) {
	return s.Create(ctx, call.UserID(), strings.TrimSpace(in.Title))
}

func (s *Store) toggle(ctx context.Context, call callctx.Values, in ToggleInput) (Todo, error) {
	return s.Update(ctx, in.ID, func(t *Todo) error {
		if t.Owner != call.UserID() {
			return crpcerrors.ForbiddenError("")
		}
		t.Done = in.Done
		return nil
	})
}

func (s *Store) remove(ctx context.Context, call callctx.Values, in IDInput) (any, error) {
	t, ok := s.Get(in.ID)
	if !ok {
		return nil, crpcerrors.NotFoundError("todo")
	}
	if user := call.User(); t.Owner != call.UserID() && !user.HasRole(AdminRole) {
		return nil, crpcerrors.ForbiddenError("")
	}
	if _, err := s.Delete(ctx, in.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Store) view(ctx context.Context, _ callctx.Values, in IDInput) (Todo, error) {
	return s.Update(ctx, in.ID, func(t *Todo) error {
		t.Views++
		return nil
	})
}

func (s *Store) seed(ctx context.Context, _ callctx.Values, in SeedInput) (CountOutput, error) {
	if in.Owner == "" || in.Count <= 0 || in.Count > maxSeed {
		return CountOutput{}, crpcerrors.Newf(crpcerrors.BadRequest, "seed needs an owner and a count between 1 and %d", maxSeed)
	}
	for i := range in.Count {
		if _, err := s.Create(ctx, in.Owner, fmt.Sprintf("todo #%d", i+1)); err != nil {
			return CountOutput{}, err
		}
	}
	n, err := s.Count(ctx, in.Owner)
	return CountOutput{Owner: in.Owner, Count: n}, err
}

func (s *Store) export(ctx context.Context, call callctx.Values, _ struct{}) (ExportOutput, error) {
	owner := call.UserID()
	state, err := pagination.Paginate(ctx, func(ctx context.Context, cursor *string) (pagination.Page[Todo], error) {
		return s.Page(ctx, owner, cursor, exportPageSize)
	}, 0)
	if err != nil {
		return ExportOutput{}, err
	}
	return ExportOutput{Todos: state.Items(), Pages: state.Fetches(), Fetched: state.Size()}, nil
}

func stats(r *procedure.Router) procedure.Handler[struct{}, StatsOutput] {
	return func(ctx context.Context, _ callctx.Values, _ struct{}) (StatsOutput, error) {
		return procedure.Call[StatsOutput](ctx, r, "todos:total", nil)
	}
}

func (s *Store) deletePage(ctx context.Context, _ callctx.Values, in deletePageInput) (pagination.Page[string], error) {
	return s.DeletePage(ctx, in.Cursor, deleteBatchSize)
}

// reset deletes every todo, one internal mutation per batch.
func reset(r *procedure.Router) procedure.Handler[struct{}, ResetOutput] {
	return func(ctx context.Context, _ callctx.Values, _ struct{}) (ResetOutput, error) {
		deleted, err := pagination.DrainCount(ctx, func(ctx context.Context, cursor *string) (pagination.Page[string], error) {
			return procedure.Call[pagination.Page[string]](ctx, r, "admin:deletePage", deletePageInput{Cursor: cursor})
		}, 0)
		if err != nil {
			return ResetOutput{}, err
		}
		return ResetOutput{Deleted: deleted}, nil
	}
}
