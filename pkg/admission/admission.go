//go:generate mockgen -source admission.go -destination ../../internal/mocks/mock_admission.go -package mocks

// Package admission defines the admission-control capability consulted by the
// rate-limit middleware stage.
package admission

import (
	"context"
	"fmt"
	"time"
)

// Controller decides whether identity may consume one unit of bucket. Implementations
// own all shared state; callers only read the verdict.
type Controller interface {
	CheckAndConsume(ctx context.Context, bucket, identity string) (bool, error)
}

// Limit allows Requests calls per Window.
type Limit struct {
	Requests int           `json:"requests" mapstructure:"requests"`
	Window   time.Duration `json:"window" mapstructure:"window"`
}

func (l Limit) Validate() error {
	if l.Requests < 1 {
		return fmt.Errorf("rate limit requests must be positive, got %d", l.Requests)
	}
	if l.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", l.Window)
	}
	return nil
}

// Limits maps bucket names to limits. The bucket "default" applies to buckets without
// an entry of their own.
type Limits map[string]Limit

const DefaultBucket = "default"

// For returns the limit of bucket, falling back to the default bucket.
func (l Limits) For(bucket string) (Limit, bool) {
	if limit, ok := l[bucket]; ok {
		return limit, true
	}
	limit, ok := l[DefaultBucket]
	return limit, ok
}

func (l Limits) Validate() error {
	for bucket, limit := range l {
		if err := limit.Validate(); err != nil {
			return fmt.Errorf("bucket %q: %w", bucket, err)
		}
	}
	return nil
}

// NoopController admits every call.
type NoopController struct{}

var _ Controller = (*NoopController)(nil)

func (NoopController) CheckAndConsume(context.Context, string, string) (bool, error) {
	return true, nil
}
