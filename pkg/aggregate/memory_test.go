package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr(s string) *string {
	return &s
}

func seed(t *testing.T, m *Memory, entries ...Entry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, m.Insert(context.Background(), e))
	}
}

func TestMemoryInsertRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := Entry{Namespace: "u1", Key: "2024-01-01", ID: "a"}

	require.NoError(t, m.Insert(ctx, e))
	require.ErrorIs(t, m.Insert(ctx, e), ErrDuplicateEntry)

	// same key, different id
	require.NoError(t, m.Insert(ctx, Entry{Namespace: "u1", Key: "2024-01-01", ID: "b"}))

	count, err := m.Count(ctx, "u1", Bounds{})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, m.Remove(ctx, e))
	require.ErrorIs(t, m.Remove(ctx, e), ErrEntryNotFound)
	require.ErrorIs(t, m.Remove(ctx, Entry{Namespace: "other", ID: "a"}), ErrEntryNotFound)

	count, err = m.Count(ctx, "u1", Bounds{})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMemoryCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m,
		Entry{Namespace: "u1", Key: "a", ID: "1"},
		Entry{Namespace: "u1", Key: "b", ID: "2"},
		Entry{Namespace: "u1", Key: "b", ID: "3"},
		Entry{Namespace: "u1", Key: "c", ID: "4"},
		Entry{Namespace: "u2", Key: "a", ID: "5"},
	)

	tests := map[string]struct {
		namespace string
		bounds    Bounds
		want      int
	}{
		`whole_namespace`:    {namespace: "u1", want: 4},
		`other_namespace`:    {namespace: "u2", want: 1},
		`missing_namespace`:  {namespace: "u3", want: 0},
		`lower_is_inclusive`: {namespace: "u1", bounds: Bounds{Lower: ptr("b")}, want: 3},
		`upper_is_exclusive`: {namespace: "u1", bounds: Bounds{Upper: ptr("c")}, want: 3},
		`both`:               {namespace: "u1", bounds: Bounds{Lower: ptr("b"), Upper: ptr("c")}, want: 2},
		`empty_range`:        {namespace: "u1", bounds: Bounds{Lower: ptr("c"), Upper: ptr("b")}, want: 0},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := m.Count(ctx, test.namespace, test.bounds)
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestMemoryRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m,
		Entry{Namespace: "u1", Key: "c", ID: "4"},
		Entry{Namespace: "u1", Key: "a", ID: "1"},
		Entry{Namespace: "u1", Key: "b", ID: "3"},
		Entry{Namespace: "u1", Key: "b", ID: "2"},
	)

	t.Run("pages_in_order", func(t *testing.T) {
		var ids []string
		cursor := ""
		pages := 0
		for {
			page, err := m.Range(ctx, "u1", Bounds{}, cursor, 3)
			require.NoError(t, err)
			pages++
			for _, e := range page.Entries {
				ids = append(ids, e.ID)
			}
			if page.IsDone {
				require.Empty(t, page.Cursor)
				break
			}
			cursor = page.Cursor
		}
		require.Equal(t, []string{"1", "2", "3", "4"}, ids)
		require.Equal(t, 2, pages)
	})

	t.Run("exact_fit_is_done", func(t *testing.T) {
		page, err := m.Range(ctx, "u1", Bounds{}, "", 4)
		require.NoError(t, err)
		require.Len(t, page.Entries, 4)
		require.True(t, page.IsDone)
	})

	t.Run("bounds", func(t *testing.T) {
		page, err := m.Range(ctx, "u1", Bounds{Lower: ptr("b"), Upper: ptr("c")}, "", 10)
		require.NoError(t, err)
		require.Equal(t, []Entry{
			{Namespace: "u1", Key: "b", ID: "2"},
			{Namespace: "u1", Key: "b", ID: "3"},
		}, page.Entries)
	})

	t.Run("cursor_survives_removal", func(t *testing.T) {
		page, err := m.Range(ctx, "u1", Bounds{}, "", 2)
		require.NoError(t, err)
		require.False(t, page.IsDone)

		require.NoError(t, m.Remove(ctx, Entry{Namespace: "u1", Key: "b", ID: "2"}))
		t.Cleanup(func() { seed(t, m, Entry{Namespace: "u1", Key: "b", ID: "2"}) })

		next, err := m.Range(ctx, "u1", Bounds{}, page.Cursor, 2)
		require.NoError(t, err)
		require.Equal(t, []Entry{
			{Namespace: "u1", Key: "b", ID: "3"},
			{Namespace: "u1", Key: "c", ID: "4"},
		}, next.Entries)
		require.True(t, next.IsDone)
	})

	t.Run("invalid_arguments", func(t *testing.T) {
		_, err := m.Range(ctx, "u1", Bounds{}, "", 0)
		require.Error(t, err)
		_, err = m.Range(ctx, "u1", Bounds{}, "not-json", 1)
		require.ErrorContains(t, err, "invalid cursor")
	})

	t.Run("missing_namespace", func(t *testing.T) {
		page, err := m.Range(ctx, "nobody", Bounds{}, "", 1)
		require.NoError(t, err)
		require.Empty(t, page.Entries)
		require.True(t, page.IsDone)
	})
}

func TestMemoryClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, Entry{Namespace: "u1", ID: "1"}, Entry{Namespace: "u2", ID: "2"})

	require.NoError(t, m.Clear(ctx, "u1"))
	n, err := m.Count(ctx, "u1", Bounds{})
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = m.Count(ctx, "u2", Bounds{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type doc struct {
	ID    string
	Owner string
	Due   string
}

func TestTrigger(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	trigger := NewTrigger[doc](m, func(d doc) Entry {
		return Entry{Namespace: d.Owner, Key: d.Due, ID: d.ID}
	})
	count := func(owner string) int {
		n, err := m.Count(ctx, owner, Bounds{})
		require.NoError(t, err)
		return n
	}

	d := doc{ID: "1", Owner: "u1", Due: "monday"}
	require.NoError(t, trigger.Apply(ctx, Change[doc]{New: &d}))
	require.Equal(t, 1, count("u1"))

	t.Run("unchanged_entry_is_a_noop", func(t *testing.T) {
		same := d
		require.NoError(t, trigger.Apply(ctx, Change[doc]{Old: &d, New: &same}))
		require.Equal(t, 1, count("u1"))
	})

	t.Run("moves_between_namespaces", func(t *testing.T) {
		moved := doc{ID: "1", Owner: "u2", Due: "monday"}
		require.NoError(t, trigger.Apply(ctx, Change[doc]{Old: &d, New: &moved}))
		require.Equal(t, 0, count("u1"))
		require.Equal(t, 1, count("u2"))

		require.NoError(t, trigger.Apply(ctx, Change[doc]{Old: &moved}))
		require.Equal(t, 0, count("u2"))
	})

	t.Run("delete_of_unindexed_document_fails", func(t *testing.T) {
		require.ErrorIs(t, trigger.Apply(ctx, Change[doc]{Old: &doc{ID: "9", Owner: "u1"}}), ErrEntryNotFound)
	})
}
