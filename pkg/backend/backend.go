//go:generate mockgen -source backend.go -destination ../../internal/mocks/mock_backend.go -package mocks Backend

// Package backend defines the contract between clients and the reactive data backend.
package backend

import (
	"context"
	"errors"

	"github.com/crpcgo/crpc/pkg/meta"
)

// Update is one push from a live subscription. Exactly one of Value and Err is meaningful.
type Update struct {
	Value any
	Err   error
}

// UpdateFunc receives subscription pushes in backend order.
type UpdateFunc func(Update)

// Subscription is an open live query.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once and from within an UpdateFunc.
	Close() error
}

// Backend executes calls and opens live queries.
type Backend interface {
	// Call executes a single call of the given kind.
	Call(ctx context.Context, kind meta.Kind, name string, args any) (any, error)

	// Subscribe opens a live query. onUpdate receives the first result and every change
	// after it. After an Update carrying an error, no further updates are delivered.
	Subscribe(ctx context.Context, name string, args any, onUpdate UpdateFunc) (Subscription, error)
}

// SubscriptionFunc adapts a close function to the Subscription interface.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Close() error {
	return f()
}

// ErrClosed is returned by backends that have been shut down.
var ErrClosed = errors.New("backend closed")
