package api

import (
	"context"
	"time"
)

// GroupPolicy limits jobs of one integration per group key.
//
// Either Concurrency or Limit/Per may be set. The zero value means no limit.
type GroupPolicy struct {
	// Concurrency caps how many jobs of the same group run at once.
	Concurrency int
	// Limit jobs may start per Per duration (token bucket).
	Limit int
	Per   time.Duration
}

// IsZero reports whether p imposes no limit.
func (p GroupPolicy) IsZero() bool {
	return p.Concurrency <= 0 && (p.Limit <= 0 || p.Per <= 0)
}

// GroupResolver computes the group key of a step, typically the external
// account or campaign id its credential belongs to.
type GroupResolver func(ctx context.Context, step Step) (string, error)
