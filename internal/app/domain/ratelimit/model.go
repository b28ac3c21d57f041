// Package ratelimit defines the fixed-window quota types gating
// state-changing actions per (subject, action) pair.
package ratelimit

import (
	"fmt"
	"time"
)

// SubjectType identifies the namespace of the limited subject.
type SubjectType string

const (
	SubjectPrincipal SubjectType = "principal"
	SubjectAddress   SubjectType = "address"
)

// Well-known action names. Policies are keyed by action.
const (
	ActionPostGig     = "gig.post"
	ActionPlaceBid    = "bid.place"
	ActionRotateKey   = "key.rotate"
	ActionReport      = "report"
	ActionVerifyEmail = "email.verify"
)

// Policy bounds how often an action may execute within a rolling window.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the built-in quota table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionPostGig:     {Action: ActionPostGig, Limit: 1, Window: time.Hour},
		ActionPlaceBid:    {Action: ActionPlaceBid, Limit: 30, Window: time.Hour},
		ActionRotateKey:   {Action: ActionRotateKey, Limit: 1, Window: time.Minute},
		ActionReport:      {Action: ActionReport, Limit: 1, Window: time.Minute},
		ActionVerifyEmail: {Action: ActionVerifyEmail, Limit: 5, Window: time.Hour},
	}
}

// Record is the stored counter for one (subject, action) window. Created
// lazily on first action and reset in place when the window elapses; never
// deleted.
type Record struct {
	SubjectType SubjectType `json:"subject_type" db:"subject_type"`
	SubjectID   string      `json:"subject_id" db:"subject_id"`
	Action      string      `json:"action" db:"action"`
	Count       int         `json:"count" db:"count"`
	WindowStart time.Time   `json:"window_start" db:"window_start"`
}

// Expired reports whether the record's window has fully elapsed at now.
func (r Record) Expired(window time.Duration, now time.Time) bool {
	return r.WindowStart.IsZero() || !now.Before(r.WindowStart.Add(window))
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimitedError carries enough information for the caller to compute a
// retry delay.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %s", e.Action, e.RetryAfter)
}
