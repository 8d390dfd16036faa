// Package milestone processes contest milestone jobs: each on-chain
// settlement, reward or redemption event becomes exactly one applied state
// change, enforced by an idempotency-keyed execution ledger.
package milestone

import (
	"github.com/contestlabs/indexer/internal/apperr"
)

// Status is a milestone execution's ledger state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusRetrying       Status = "retrying"
	StatusNeedsAttention Status = "needs_attention"
	StatusSucceeded      Status = "succeeded"
)

// allowedTransitions encodes the execution status machine. succeeded is
// terminal; needs_attention can re-enter processing through a manual retry.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPending:        true,
		StatusInProgress:     true,
		StatusNeedsAttention: true,
	},
	StatusInProgress: {
		StatusInProgress:     true,
		StatusSucceeded:      true,
		StatusRetrying:       true,
		StatusNeedsAttention: true,
	},
	StatusRetrying: {
		StatusRetrying:       true,
		StatusInProgress:     true,
		StatusSucceeded:      true,
		StatusNeedsAttention: true,
	},
	StatusNeedsAttention: {
		StatusNeedsAttention: true,
		StatusInProgress:     true,
		StatusRetrying:       true,
	},
	StatusSucceeded: {
		StatusSucceeded: true,
	},
}

// CanTransition reports whether from → to is a legal status edge.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// CheckTransition returns an ORDER_VIOLATION error for illegal edges.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return apperr.E(apperr.KindOrderViolation,
			"illegal milestone transition %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether no further processing is expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded
}
