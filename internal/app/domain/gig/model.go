// Package gig defines task postings, bids and the lifecycle state machine.
package gig

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a gig. The state is the single source of
// truth for which actions are legal; every transition is validated against
// the central table below.
type Status string

const (
	StatusOpen      Status = "open"
	StatusBidding   Status = "bidding"
	StatusAccepted  Status = "accepted"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// transitions is the canonical lifecycle table. Anything not listed is
// rejected with ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusOpen:      {StatusBidding, StatusAccepted, StatusCancelled},
	StatusBidding:   {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusDelivered, StatusCancelled},
	StatusDelivered: {StatusCompleted, StatusDisputed},
	StatusDisputed:  {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further poster/bee action is legal. Disputed
// gigs are terminal pending administrative resolution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// AcceptsBids reports whether new bids may be placed.
func (s Status) AcceptsBids() bool {
	return s == StatusOpen || s == StatusBidding
}

// MinReward is the smallest honey reward a gig may be posted with.
const MinReward int64 = 100

// Gig is a task posting owned by the posting principal.
type Gig struct {
	ID          string     `json:"id" db:"id"`
	PosterID    string     `json:"poster_id" db:"poster_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	Reward      int64      `json:"reward" db:"reward"`
	Status      Status     `json:"status" db:"status"`
	AssignedBee string     `json:"assigned_bee,omitempty" db:"assigned_bee"`
	AcceptedBid string     `json:"accepted_bid,omitempty" db:"accepted_bid"`
	Deadline    time.Time  `json:"deadline" db:"deadline"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ApproveBy   *time.Time `json:"approve_by,omitempty" db:"approve_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// BidStatus is the lifecycle state of a bid. At most one bid per gig may
// ever reach accepted.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidWithdrawn BidStatus = "withdrawn"
)

// Bid is a bee's offer to fulfil a gig for a requested honey amount.
// Immutable once accepted except for status.
type Bid struct {
	ID        string    `json:"id" db:"id"`
	GigID     string    `json:"gig_id" db:"gig_id"`
	BeeID     string    `json:"bee_id" db:"bee_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Proposal  string    `json:"proposal" db:"proposal"`
	Status    BidStatus `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

var (
	ErrNotFound          = errors.New("gig not found")
	ErrBidNotFound       = errors.New("bid not found")
	ErrInvalidTransition = errors.New("invalid gig transition")
	ErrBidNotPending     = errors.New("bid is no longer pending")
	ErrNotOpenForBids    = errors.New("gig is not open for bids")
	ErrRewardTooSmall    = errors.New("reward below minimum")
	ErrBidExceedsReward  = errors.New("bid amount exceeds gig reward")
	ErrForbidden         = errors.New("principal does not own this resource")
	ErrNotAssignedBee    = errors.New("principal is not the assigned bee")
)
