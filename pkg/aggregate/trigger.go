package aggregate

import (
	"context"
)

// Change describes a document write. Old is nil for inserts and New is nil for deletes.
type Change[T any] struct {
	Old *T
	New *T
}

// EntryFunc maps a document to its index entry.
type EntryFunc[T any] func(doc T) Entry

// Trigger keeps an index in step with a table. Stores call Apply after every write.
type Trigger[T any] struct {
	index CountedIndex
	entry EntryFunc[T]
}

func NewTrigger[T any](index CountedIndex, entry EntryFunc[T]) *Trigger[T] {
	return &Trigger[T]{index: index, entry: entry}
}

// Apply updates the index for change. An update that leaves the entry unchanged does
// not touch the index.
func (t *Trigger[T]) Apply(ctx context.Context, change Change[T]) error {
	var oldEntry, newEntry *Entry
	if change.Old != nil {
		e := t.entry(*change.Old)
		oldEntry = &e
	}
	if change.New != nil {
		e := t.entry(*change.New)
		newEntry = &e
	}

	if oldEntry != nil && newEntry != nil && *oldEntry == *newEntry {
		return nil
	}
	if oldEntry != nil {
		if err := t.index.Remove(ctx, *oldEntry); err != nil {
			return err
		}
	}
	if newEntry != nil {
		return t.index.Insert(ctx, *newEntry)
	}
	return nil
}
