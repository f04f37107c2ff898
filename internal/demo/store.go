// Package demo is a small todo application built on the procedure pipeline. It backs
// the crpcd demo routes and the end-to-end tests.
package demo

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/crpcgo/crpc/pkg/aggregate"
	"github.com/crpcgo/crpc/pkg/encoder"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/id"
	"github.com/crpcgo/crpc/pkg/pagination"
)

type Todo struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	Views     int       `json:"views"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store keeps todos in memory. A counted index per owner is maintained on every write,
// so counts and owner listings never scan the table.
type Store struct {
	mu      sync.RWMutex
	todos   map[string]Todo
	index   aggregate.CountedIndex
	trigger *aggregate.Trigger[Todo]
	cursors *encoder.CursorCodec
	// pageSize applies to list calls that name no limit.
	pageSize int
	now      func() time.Time
}

type StoreOption func(*Store)

// WithIndex replaces the in-memory counted index.
func WithIndex(index aggregate.CountedIndex) StoreOption {
	return func(s *Store) {
		s.index = index
	}
}

// WithCursorCodec seals the cursors handed to callers.
func WithCursorCodec(c *encoder.CursorCodec) StoreOption {
	return func(s *Store) {
		s.cursors = c
	}
}

// WithDefaultPageSize sets the page size of list calls that name no limit.
func WithDefaultPageSize(n int) StoreOption {
	return func(s *Store) {
		s.pageSize = n
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		todos:    map[string]Todo{},
		index:    aggregate.NewMemory(),
		cursors:  encoder.MustNewCursorCodec(""),
		pageSize: pagination.DefaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.trigger = aggregate.NewTrigger(s.index, func(t Todo) aggregate.Entry {
		return aggregate.Entry{Namespace: t.Owner, Key: t.ID, ID: t.ID}
	})
	return s
}

// Create stores a new todo. Ids are ULIDs, so an owner's index is in creation order.
func (s *Store) Create(ctx context.Context, owner, title string) (Todo, error) {
	todoID, err := id.New(s.now())
	if err != nil {
		return Todo{}, err
	}
	t := Todo{ID: todoID, Owner: owner, Title: title, CreatedAt: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.trigger.Apply(ctx, aggregate.Change[Todo]{New: &t}); err != nil {
		return Todo{}, err
	}
	s.todos[t.ID] = t
	return t, nil
}

func (s *Store) Get(todoID string) (Todo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.todos[todoID]
	return t, ok
}

// Update applies fn to the todo and stores the result.
func (s *Store) Update(ctx context.Context, todoID string, fn func(*Todo) error) (Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.todos[todoID]
	if !ok {
		return Todo{}, crpcerrors.NotFoundError("todo")
	}
	updated := old
	if err := fn(&updated); err != nil {
		return Todo{}, err
	}
	updated.ID = old.ID
	if err := s.trigger.Apply(ctx, aggregate.Change[Todo]{Old: &old, New: &updated}); err != nil {
		return Todo{}, err
	}
	s.todos[todoID] = updated
	return updated, nil
}

// Delete removes a todo. It reports whether the todo existed.
func (s *Store) Delete(ctx context.Context, todoID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.todos[todoID]
	if !ok {
		return false, nil
	}
	if err := s.trigger.Apply(ctx, aggregate.Change[Todo]{Old: &old}); err != nil {
		return false, err
	}
	delete(s.todos, todoID)
	return true, nil
}

// Count returns the number of todos of owner.
func (s *Store) Count(ctx context.Context, owner string) (int, error) {
	return s.index.Count(ctx, owner, aggregate.Bounds{})
}

// Len returns the number of todos of every owner.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.todos)
}

// Page returns one page of the todos of owner, oldest first.
func (s *Store) Page(ctx context.Context, owner string, cursor *string, limit int) (pagination.Page[Todo], error) {
	position := ""
	if cursor != nil && *cursor != "" {
		p, err := s.cursors.Decode(*cursor)
		if err != nil {
			return pagination.Page[Todo]{}, err
		}
		position = p
	}

	r, err := s.index.Range(ctx, owner, aggregate.Bounds{}, position, limit)
	if err != nil {
		return pagination.Page[Todo]{}, err
	}

	page := pagination.Page[Todo]{Page: make([]Todo, 0, len(r.Entries)), IsDone: r.IsDone}
	s.mu.RLock()
	for _, e := range r.Entries {
		if t, ok := s.todos[e.ID]; ok {
			page.Page = append(page.Page, t)
		}
	}
	s.mu.RUnlock()

	if !r.IsDone {
		if page.ContinueCursor, err = s.cursors.Encode(r.Cursor); err != nil {
			return pagination.Page[Todo]{}, err
		}
	}
	return page, nil
}

// DeletePage deletes up to limit todos of any owner, in id order, starting after
// cursor. The page reports how many were deleted in Count.
func (s *Store) DeletePage(ctx context.Context, cursor *string, limit int) (pagination.Page[string], error) {
	after := ""
	if cursor != nil && *cursor != "" {
		p, err := s.cursors.Decode(*cursor)
		if err != nil {
			return pagination.Page[string]{}, err
		}
		after = p
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.todos))
	for todoID := range s.todos {
		if todoID > after {
			ids = append(ids, todoID)
		}
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	page := pagination.Page[string]{IsDone: len(ids) <= limit}
	if !page.IsDone {
		ids = ids[:limit]
	}
	for _, todoID := range ids {
		deleted, err := s.Delete(ctx, todoID)
		if err != nil {
			return pagination.Page[string]{}, err
		}
		if deleted {
			page.Page = append(page.Page, todoID)
			page.Count++
		}
	}
	if !page.IsDone {
		next, err := s.cursors.Encode(ids[len(ids)-1])
		if err != nil {
			return pagination.Page[string]{}, err
		}
		page.ContinueCursor = next
	}
	return page, nil
}
