// Package admission gates writes behind per-identity rate quotas and an
// at-most-one-vote-per-identity uniqueness constraint. All cross-process
// coordination is delegated to the Store's atomic primitives; this package
// holds no locks of its own.
package admission

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Rate-limit callers may fail open on it (see Policy.FailOpen); the vote
// guard always fails closed.
var ErrUnavailable = errors.New("admission: store unavailable")

// Store is the narrow contract over a shared, atomically-operable store.
//
// AdmitIntoWindow must count the timestamps in [windowStart, now] and record
// the current attempt only when that count is under limit, as a single atomic
// operation. Splitting it into a count round trip followed by an insert lets
// concurrent callers all observe a count under the limit and silently exceed
// the quota. Rejected attempts are never recorded: an over-quota caller must
// not push its own recovery further out by retrying.
type Store interface {
	// AdmitIntoWindow atomically counts recorded timestamps at or after
	// windowStart (inclusive) and records now under key when the count is
	// below limit. It returns the count before any insert.
	AdmitIntoWindow(ctx context.Context, key string, now, windowStart time.Time, limit int64) (int64, error)

	// OldestInWindow returns the oldest recorded timestamp at or after
	// windowStart, or ok=false when the window is empty.
	OldestInWindow(ctx context.Context, key string, windowStart time.Time) (oldest time.Time, ok bool, err error)

	// SetExpiry bounds storage growth by expiring key after ttl.
	SetExpiry(ctx context.Context, key string, ttl time.Duration) error

	// InsertUnique atomically claims key, returning false when it was
	// already claimed. ttl of zero means the claim never expires.
	InsertUnique(ctx context.Context, key string, ttl time.Duration) (inserted bool, err error)
}
