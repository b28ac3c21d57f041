// Package escrow defines the held-funds record tying an accepted bid to the
// honey debited from the poster at acceptance time.
package escrow

import (
	"errors"
	"time"
)

// Status is the resolution state of an escrow. An escrow is open while the
// gig is in progress and resolves exactly once; resolved records are kept
// for audit.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPaid     Status = "paid"
	StatusRefunded Status = "refunded"
)

// Resolved reports whether the escrow has reached a terminal state.
func (s Status) Resolved() bool {
	return s == StatusPaid || s == StatusRefunded
}

// Escrow holds honey against an accepted bid. Amount is immutable after
// creation and equals the accepted bid's requested amount. At most one
// non-terminal escrow exists per gig.
type Escrow struct {
	ID         string     `json:"id" db:"id"`
	GigID      string     `json:"gig_id" db:"gig_id"`
	BidID      string     `json:"bid_id" db:"bid_id"`
	PosterID   string     `json:"poster_id" db:"poster_id"`
	BeeID      string     `json:"bee_id" db:"bee_id"`
	Amount     int64      `json:"amount" db:"amount"`
	Status     Status     `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

var (
	ErrNoEscrow        = errors.New("no open escrow for gig")
	ErrEscrowConflict  = errors.New("an open escrow already exists for gig")
	ErrAlreadyResolved = errors.New("escrow already resolved")
)
