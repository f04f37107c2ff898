package pagination

import (
	"context"
	"sync"
)

// Infinite grows a State one page per FetchNext, the way an infinite list loads more rows.
type Infinite[T any] struct {
	fetch FetchFunc[T]

	mu    sync.Mutex
	state State[T]
}

func NewInfinite[T any](fetch FetchFunc[T]) *Infinite[T] {
	return &Infinite[T]{fetch: fetch}
}

// FetchNext fetches and appends the next page. It returns ErrDone after the last page.
func (i *Infinite[T]) FetchNext(ctx context.Context) (Page[T], error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.fetch(ctx, i.fetch)
}

// HasNext reports whether another page can be fetched.
func (i *Infinite[T]) HasNext() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.state.IsDone
}

// Items returns every item fetched so far, in order.
func (i *Infinite[T]) Items() []T {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.Items()
}

// State returns a copy of the accumulated state.
func (i *Infinite[T]) State() State[T] {
	i.mu.Lock()
	defer i.mu.Unlock()
	cp := i.state
	cp.Pages = append([]Page[T](nil), i.state.Pages...)
	return cp
}
