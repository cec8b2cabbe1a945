// Package throttle decides when an editor who keeps forgetting to sign should
// get a reminder on their talk page.
package throttle

import (
	"context"
	"crypto/md5" //nolint:gosec // key derivation only, not a security boundary
	"encoding/hex"
	"fmt"
	"time"

	"signbot/internal/model"
)

// Defaults for the reminder window.
const (
	DefaultThreshold = 3
	DefaultWindow    = 24*time.Hour + 10*time.Second
)

// Counter is a persisted counter store with atomic increment-with-expiry.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Throttle counts unsigned comments per user within a rolling window.
type Throttle struct {
	counter   Counter
	prefix    string
	threshold int64
	window    time.Duration
}

// New creates a Throttle with the default threshold and window.
func New(counter Counter, prefix string) *Throttle {
	return &Throttle{
		counter:   counter,
		prefix:    prefix,
		threshold: DefaultThreshold,
		window:    DefaultWindow,
	}
}

// ShouldNotify records one more unsigned comment by the user and reports
// whether the user has reached the reminder threshold. Anonymous users are
// never reminded and are not counted.
func (t *Throttle) ShouldNotify(ctx context.Context, user model.User) (bool, error) {
	if user.Anonymous {
		return false, nil
	}
	n, err := t.counter.Incr(ctx, t.Key(user.Name), t.window)
	if err != nil {
		return false, fmt.Errorf("increment throttle counter: %w", err)
	}
	return n >= t.threshold, nil
}

// Key returns the counter key for a user name.
func (t *Throttle) Key(name string) string {
	sum := md5.Sum([]byte(name)) //nolint:gosec // see import
	return t.prefix + ":" + hex.EncodeToString(sum[:])
}
