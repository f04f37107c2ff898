package aggregate

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// position orders entries inside a namespace.
type position struct {
	Key string `json:"k"`
	ID  string `json:"i"`
}

func comparePositions(a, b interface{}) int {
	pa, pb := a.(position), b.(position)
	if c := cmp.Compare(pa.Key, pb.Key); c != 0 {
		return c
	}
	return cmp.Compare(pa.ID, pb.ID)
}

var _ utils.Comparator = comparePositions

// Memory is an in-memory CountedIndex with one red-black tree per namespace. Count and
// Range walk the tree.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]*redblacktree.Tree
}

var _ CountedIndex = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{namespaces: map[string]*redblacktree.Tree{}}
}

func (m *Memory) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree, ok := m.namespaces[e.Namespace]
	if !ok {
		tree = redblacktree.NewWith(comparePositions)
		m.namespaces[e.Namespace] = tree
	}
	pos := position{Key: e.Key, ID: e.ID}
	if _, found := tree.Get(pos); found {
		return ErrDuplicateEntry
	}
	tree.Put(pos, nil)
	return nil
}

func (m *Memory) Remove(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree, ok := m.namespaces[e.Namespace]
	if !ok {
		return ErrEntryNotFound
	}
	pos := position{Key: e.Key, ID: e.ID}
	if _, found := tree.Get(pos); !found {
		return ErrEntryNotFound
	}
	tree.Remove(pos)
	if tree.Empty() {
		delete(m.namespaces, e.Namespace)
	}
	return nil
}

func (m *Memory) Count(_ context.Context, namespace string, bounds Bounds) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tree, ok := m.namespaces[namespace]
	if !ok {
		return 0, nil
	}
	if bounds.Lower == nil && bounds.Upper == nil {
		return tree.Size(), nil
	}

	n := 0
	it := tree.Iterator()
	for it.Next() {
		key := it.Key().(position).Key
		if bounds.Upper != nil && key >= *bounds.Upper {
			break
		}
		if bounds.contains(key) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Range(_ context.Context, namespace string, bounds Bounds, cursor string, limit int) (RangePage, error) {
	if limit <= 0 {
		return RangePage{}, fmt.Errorf("aggregate: limit must be positive, got %d", limit)
	}
	var after *position
	if cursor != "" {
		var p position
		if err := json.Unmarshal([]byte(cursor), &p); err != nil {
			return RangePage{}, fmt.Errorf("aggregate: invalid cursor: %w", err)
		}
		after = &p
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	page := RangePage{IsDone: true}
	tree, ok := m.namespaces[namespace]
	if !ok {
		return page, nil
	}

	it := tree.Iterator()
	for it.Next() {
		pos := it.Key().(position)
		if after != nil && comparePositions(pos, *after) <= 0 {
			continue
		}
		if bounds.Upper != nil && pos.Key >= *bounds.Upper {
			break
		}
		if !bounds.contains(pos.Key) {
			continue
		}
		if len(page.Entries) == limit {
			page.IsDone = false
			break
		}
		page.Entries = append(page.Entries, Entry{Namespace: namespace, Key: pos.Key, ID: pos.ID})
	}

	if !page.IsDone {
		last := page.Entries[len(page.Entries)-1]
		b, err := json.Marshal(position{Key: last.Key, ID: last.ID})
		if err != nil {
			return RangePage{}, err
		}
		page.Cursor = string(b)
	}
	return page, nil
}

func (m *Memory) Clear(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}
