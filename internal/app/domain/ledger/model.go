// Package ledger defines the append-only honey audit trail. Every balance
// mutation in the system produces exactly one entry, sufficient to
// reconstruct any principal's balance history.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Reason records why honey moved.
type Reason string

const (
	ReasonGrant         Reason = "grant"
	ReasonSignupBonus   Reason = "signup_bonus"
	ReasonEscrowHold    Reason = "escrow_hold"
	ReasonEscrowRelease Reason = "escrow_release"
	ReasonEscrowRefund  Reason = "escrow_refund"
	ReasonAdjustment    Reason = "adjustment"
)

// MaxGrant caps a single credit to guard against fat-finger admin grants.
const MaxGrant int64 = 1_000_000

// Entry is one row of the append-only ledger. Amount is signed: credits are
// positive, debits negative. BalanceAfter is captured atomically with the
// balance mutation.
type Entry struct {
	ID           string    `json:"id" db:"id"`
	PrincipalID  string    `json:"principal_id" db:"principal_id"`
	Amount       int64     `json:"amount" db:"amount"`
	Reason       Reason    `json:"reason" db:"reason"`
	Reference    string    `json:"reference,omitempty" db:"reference"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

var (
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrGrantTooLarge     = errors.New("grant exceeds sanity cap")
)

// InsufficientFundsError reports a failed debit with enough detail for the
// caller to tell the user the shortfall.
type InsufficientFundsError struct {
	PrincipalID string
	Balance     int64
	Requested   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, requested %d", e.Balance, e.Requested)
}

// IsInsufficientFunds reports whether err is an insufficient-funds failure.
func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}
