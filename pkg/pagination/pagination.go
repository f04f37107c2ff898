// Package pagination drives cursor-paginated calls, either one page at a time or by
// draining pages until the backend reports it is done.
package pagination

import (
	"context"
	"errors"
	"fmt"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

var (
	// ErrDone is returned by Infinite.FetchNext once the last page has been fetched.
	ErrDone = errors.New("pagination is done")

	// ErrMissingCursor is returned when a page that is not done carries no cursor.
	ErrMissingCursor = errors.New("page is not done but carries no cursor")
)

// Args is embedded in the input of paginated procedures. A nil Cursor asks for the
// first page.
type Args struct {
	Cursor *string `json:"cursor"`
	Limit  int     `json:"limit,omitempty"`
}

// PageSize returns Limit clamped to (0, MaxPageSize], or def when Limit is unset.
func (a Args) PageSize(def int) int {
	switch {
	case a.Limit <= 0:
		if def <= 0 {
			return DefaultPageSize
		}
		return def
	case a.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return a.Limit
	}
}

// Page is one page of a cursor-paginated result. SplitCursor, when set, is followed
// instead of ContinueCursor. Bulk operations report Count instead of Page.
type Page[T any] struct {
	Page           []T     `json:"page"`
	IsDone         bool    `json:"isDone"`
	ContinueCursor string  `json:"continueCursor"`
	SplitCursor    *string `json:"splitCursor,omitempty"`
	Count          int     `json:"count,omitempty"`
}

// Result is the output type of paginated procedures.
type Result[T any] = Page[T]

// Next returns the cursor of the following page.
func (p Page[T]) Next() (string, error) {
	if p.SplitCursor != nil {
		return *p.SplitCursor, nil
	}
	if p.ContinueCursor == "" {
		return "", ErrMissingCursor
	}
	return p.ContinueCursor, nil
}

// Size returns the number of units the page contributes to a limit: Count when set,
// else the number of items.
func (p Page[T]) Size() int {
	if p.Count > 0 {
		return p.Count
	}
	return len(p.Page)
}

// FetchFunc fetches the page at cursor. A nil cursor is the first page.
type FetchFunc[T any] func(ctx context.Context, cursor *string) (Page[T], error)

// State is the accumulated result of a pagination session. Pages only grow.
type State[T any] struct {
	// Cursor is the cursor of the next fetch; nil before the first page.
	Cursor *string
	Pages  []Page[T]
	IsDone bool
	size   int
}

// Items returns the items of every page in order.
func (s *State[T]) Items() []T {
	n := 0
	for _, p := range s.Pages {
		n += len(p.Page)
	}
	out := make([]T, 0, n)
	for _, p := range s.Pages {
		out = append(out, p.Page...)
	}
	return out
}

// Size returns the accumulated size, counted as Page.Size.
func (s *State[T]) Size() int {
	return s.size
}

// Fetches returns the number of pages fetched.
func (s *State[T]) Fetches() int {
	return len(s.Pages)
}

func (s *State[T]) fetch(ctx context.Context, fetch FetchFunc[T]) (Page[T], error) {
	if s.IsDone {
		return Page[T]{}, ErrDone
	}
	page, err := fetch(ctx, s.Cursor)
	if err != nil {
		return Page[T]{}, err
	}
	if !page.IsDone {
		next, err := page.Next()
		if err != nil {
			return page, fmt.Errorf("page %d: %w", len(s.Pages)+1, err)
		}
		s.Cursor = &next
	}
	s.Pages = append(s.Pages, page)
	s.size += page.Size()
	s.IsDone = page.IsDone
	return page, nil
}

// Paginate fetches pages until one reports IsDone or, when limit is positive, until the
// accumulated size reaches limit. It never fetches a page past either condition and
// never truncates the last page.
func Paginate[T any](ctx context.Context, fetch FetchFunc[T], limit int) (*State[T], error) {
	s := &State[T]{}
	for !s.IsDone && (limit <= 0 || s.size < limit) {
		if _, err := s.fetch(ctx, fetch); err != nil {
			return s, err
		}
	}
	return s, nil
}

// FirstPage fetches the first page only.
func FirstPage[T any](ctx context.Context, fetch FetchFunc[T]) (Page[T], error) {
	return fetch(ctx, nil)
}

// DrainCount drains a bulk operation whose pages report Count, and returns the total.
func DrainCount[T any](ctx context.Context, fetch FetchFunc[T], limit int) (int, error) {
	s, err := Paginate(ctx, fetch, limit)
	return s.Size(), err
}
