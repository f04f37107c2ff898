// Package aggregate maintains counted indexes over documents. An index is split into
// namespaces (for example one per owner); inside a namespace entries are ordered by sort
// key and then by document id, so counts and ranges are answered without reading the
// documents themselves.
package aggregate

import (
	"context"
	"errors"
)

var (
	ErrDuplicateEntry = errors.New("aggregate: entry already exists")
	ErrEntryNotFound  = errors.New("aggregate: entry not found")
)

// Entry is one indexed document.
type Entry struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	ID        string `json:"id"`
}

// Bounds restricts a namespace to the sort keys in [Lower, Upper). Nil bounds are open.
type Bounds struct {
	Lower *string
	Upper *string
}

func (b Bounds) contains(key string) bool {
	if b.Lower != nil && key < *b.Lower {
		return false
	}
	if b.Upper != nil && key >= *b.Upper {
		return false
	}
	return true
}

// RangePage is one page of a Range call. Cursor is empty when IsDone.
type RangePage struct {
	Entries []Entry
	Cursor  string
	IsDone  bool
}

// CountedIndex is an ordered, counted index of entries.
type CountedIndex interface {
	// Insert adds e. It fails with ErrDuplicateEntry if the same namespace, key and id
	// are already indexed.
	Insert(ctx context.Context, e Entry) error

	// Remove deletes e. It fails with ErrEntryNotFound if e is not indexed.
	Remove(ctx context.Context, e Entry) error

	// Count returns the number of entries of namespace within bounds.
	Count(ctx context.Context, namespace string, bounds Bounds) (int, error)

	// Range returns up to limit entries of namespace within bounds, in order, starting
	// after cursor. An empty cursor starts at the beginning.
	Range(ctx context.Context, namespace string, bounds Bounds, cursor string, limit int) (RangePage, error)

	// Clear removes every entry of namespace.
	Clear(ctx context.Context, namespace string) error
}
