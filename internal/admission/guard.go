package admission

import (
	"context"
	"fmt"

	"couponhub-api/internal/identity"
)

// VoteOutcome is the admission decision for one vote attempt.
type VoteOutcome int

const (
	// VoteAccepted means this attempt won the uniqueness claim.
	VoteAccepted VoteOutcome = iota + 1
	// AlreadyVoted means the (coupon, identity) pair has a prior vote.
	AlreadyVoted
)

// Guard enforces at-most-one-vote-per-(coupon, identity) through the store's
// atomic uniqueness primitive. It never implements uniqueness as a lookup
// followed by a write: two concurrent attempts would both pass the lookup.
type Guard struct {
	store Store
}

// NewGuard builds a vote admission guard.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// AttemptVote claims the vote slot for (couponID, id). A store error is
// returned as-is: admitting a vote that cannot be verified unique would
// permanently break the invariant once the store recovers, so this path
// fails closed, in contrast to the limiter's fail-open option.
func (g *Guard) AttemptVote(ctx context.Context, couponID string, id identity.Identity) (VoteOutcome, error) {
	if id.IsZero() {
		return 0, fmt.Errorf("vote admission: identity is required")
	}

	inserted, err := g.store.InsertUnique(ctx, voteKey(couponID, id), 0)
	if err != nil {
		return 0, fmt.Errorf("vote admission for coupon %s: %w", couponID, err)
	}
	if !inserted {
		return AlreadyVoted, nil
	}
	return VoteAccepted, nil
}

func voteKey(couponID string, id identity.Identity) string {
	return "vote:" + couponID + ":" + id.Key()
}
