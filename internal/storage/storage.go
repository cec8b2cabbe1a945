// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	// Incr atomically increments the counter at key and returns the new value.
	// A missing or expired counter restarts at 1 and expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	MarkSeen(ctx context.Context, source string, revID int64) error
	IsSeen(ctx context.Context, source string, revID int64) (bool, error)
	PruneSeen(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
