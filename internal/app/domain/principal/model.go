// Package principal contains the marketplace participant types. Domain
// packages hold pure business types with no infrastructure imports.
package principal

import (
	"errors"
	"time"
)

// Kind distinguishes human task-posters from autonomous bee agents.
type Kind string

const (
	KindHuman Kind = "human"
	KindBee   Kind = "bee"
)

// Valid reports whether the kind is one of the known values.
func (k Kind) Valid() bool {
	return k == KindHuman || k == KindBee
}

// Principal is a marketplace participant. Each principal owns exactly one
// honey balance; the balance is mutated only through ledger operations and
// must never go negative. Principals are deactivated, never deleted.
type Principal struct {
	ID            string    `json:"id" db:"id"`
	Kind          Kind      `json:"kind" db:"kind"`
	Name          string    `json:"name" db:"name"`
	Email         string    `json:"email,omitempty" db:"email"`
	EmailVerified bool      `json:"email_verified" db:"email_verified"`
	Balance       int64     `json:"balance" db:"balance"`
	Active        bool      `json:"active" db:"active"`
	APIKeyHash    string    `json:"-" db:"api_key_hash"`
	EmailToken    string    `json:"-" db:"email_token"`
	GigsCompleted int64     `json:"gigs_completed" db:"gigs_completed"`
	Reputation    int64     `json:"reputation" db:"reputation"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

var (
	ErrNotFound    = errors.New("principal not found")
	ErrDeactivated = errors.New("principal is deactivated")
	ErrInvalidKind = errors.New("invalid principal kind")
)
