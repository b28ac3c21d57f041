// Package storage defines the persistence contracts the services depend on.
// Implementations must provide conditional updates (status-guarded writes
// observing zero affected rows on conflict) and single-statement balance
// arithmetic; concurrency correctness lives entirely in the store, never in
// in-process locks shared across requests.
package storage

import (
	"context"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
)

// PrincipalStore persists marketplace participants.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error)
	UpdatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error)
	GetPrincipal(ctx context.Context, id string) (principal.Principal, error)
	ListPrincipals(ctx context.Context) ([]principal.Principal, error)
}

// LedgerStore mutates balances and appends the audit trail. Credit and
// Debit apply the balance delta and write the entry atomically; Debit fails
// with *ledger.InsufficientFundsError instead of ever driving a balance
// negative.
type LedgerStore interface {
	Credit(ctx context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error)
	Debit(ctx context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error)
	LedgerHistory(ctx context.Context, principalID string, limit int) ([]ledger.Entry, error)
}

// GigStore persists gigs and bids. Status updates are conditional on the
// expected prior status; a losing concurrent writer gets
// gig.ErrInvalidTransition (or gig.ErrBidNotPending) rather than silently
// overwriting.
type GigStore interface {
	CreateGig(ctx context.Context, g gig.Gig) (gig.Gig, error)
	GetGig(ctx context.Context, id string) (gig.Gig, error)
	ListGigs(ctx context.Context, status gig.Status) ([]gig.Gig, error)
	ListGigsByPoster(ctx context.Context, posterID string) ([]gig.Gig, error)
	UpdateGigStatus(ctx context.Context, id string, from []gig.Status, to gig.Status) (gig.Gig, error)
	MarkDelivered(ctx context.Context, id string, deliveredAt, approveBy time.Time) (gig.Gig, error)
	ListOverdueDelivered(ctx context.Context, now time.Time) ([]gig.Gig, error)

	CreateBid(ctx context.Context, b gig.Bid) (gig.Bid, error)
	GetBid(ctx context.Context, id string) (gig.Bid, error)
	ListBids(ctx context.Context, gigID string) ([]gig.Bid, error)
	UpdateBidStatus(ctx context.Context, id string, from, to gig.BidStatus) (gig.Bid, error)
}

// EscrowStore persists held funds. CreateEscrow enforces the
// one-open-escrow-per-gig invariant with escrow.ErrEscrowConflict.
type EscrowStore interface {
	CreateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error)
	GetEscrowByGig(ctx context.Context, gigID string) (escrow.Escrow, error)
	ListEscrows(ctx context.Context, status escrow.Status) ([]escrow.Escrow, error)
}

// Acceptance is the result of the atomic bid-acceptance operation.
type Acceptance struct {
	Gig      gig.Gig
	Bid      gig.Bid
	Escrow   escrow.Escrow
	Entry    ledger.Entry
	Rejected int
}

// Resolution is the result of an atomic escrow resolution.
type Resolution struct {
	Gig    gig.Gig
	Escrow escrow.Escrow
	Entry  ledger.Entry
}

// MarketStore groups the money movements that must be a single logical
// transaction: the acceptance claims the gig, accepts the winning bid,
// debits the poster, opens the escrow and rejects sibling bids as one unit;
// resolution moves the held amount exactly once and advances the gig.
type MarketStore interface {
	// AcceptBid performs the whole acceptance transition. Failure modes:
	// gig.ErrInvalidTransition when the gig is no longer open for
	// acceptance, gig.ErrBidNotPending when the bid was withdrawn or lost,
	// *ledger.InsufficientFundsError when the poster cannot cover the bid,
	// escrow.ErrEscrowConflict if an open escrow already exists.
	AcceptBid(ctx context.Context, gigID, bidID string) (Acceptance, error)

	// ResolveGig resolves the open escrow for gigID with the given outcome
	// (paid credits the bee and bumps its counters, refunded credits the
	// poster) and transitions the gig from one of the expected states to
	// the target state. A resolved escrow yields escrow.ErrAlreadyResolved;
	// a missing one escrow.ErrNoEscrow.
	ResolveGig(ctx context.Context, gigID string, outcome escrow.Status, from []gig.Status, to gig.Status) (Resolution, error)

	// CancelGig transitions an open, bidding or accepted gig to cancelled,
	// refunding the escrow when one is open. The resolution is nil when the
	// gig had no escrow. Pending bids are rejected.
	CancelGig(ctx context.Context, gigID string) (gig.Gig, *Resolution, error)
}

// RateLimitStore persists fixed-window counters. IncrementWindow must be an
// atomic increment-or-reset: concurrent increments on the same window must
// not each believe they are first.
type RateLimitStore interface {
	GetWindow(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string, window time.Duration) (ratelimit.Record, error)
	IncrementWindow(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string, window time.Duration, now time.Time) (ratelimit.Record, error)
}
