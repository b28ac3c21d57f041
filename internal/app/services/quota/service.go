// Package quota enforces fixed-window rate limits on state-changing
// marketplace actions.
package quota

import (
	"context"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/storage"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// Service answers "may this subject perform this action now". Windows are
// fixed: the first recorded action opens the window, and the counter
// resets in place once the window elapses. Actions without a policy are
// unlimited.
type Service struct {
	store    storage.RateLimitStore
	policies map[string]ratelimit.Policy
	now      func() time.Time
	log      *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithPolicies replaces the built-in policy table.
func WithPolicies(policies map[string]ratelimit.Policy) Option {
	return func(s *Service) { s.policies = policies }
}

// WithClock overrides the time source. Tests use this to step through
// windows deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a quota service with the default policy table.
func New(store storage.RateLimitStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("quota")
	}
	s := &Service{
		store:    store,
		policies: ratelimit.DefaultPolicies(),
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy for an action, if one exists.
func (s *Service) Policy(action string) (ratelimit.Policy, bool) {
	p, ok := s.policies[action]
	return p, ok
}

// Check peeks at the current window without consuming quota.
func (s *Service) Check(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string) (ratelimit.Decision, error) {
	policy, ok := s.policies[action]
	if !ok {
		return ratelimit.Decision{Allowed: true, Remaining: -1}, nil
	}

	rec, err := s.store.GetWindow(ctx, subjectType, subjectID, action, policy.Window)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	now := s.now().UTC()
	if rec.Expired(policy.Window, now) {
		return ratelimit.Decision{Allowed: true, Remaining: policy.Limit}, nil
	}
	return s.decide(policy, rec, now), nil
}

// Enforce consumes one unit of quota, failing with
// *ratelimit.RateLimitedError when the window is exhausted. The failed
// attempt itself is not charged: a caller who is over the limit may retry
// the moment the window rolls over.
func (s *Service) Enforce(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string) error {
	policy, ok := s.policies[action]
	if !ok {
		return nil
	}

	now := s.now().UTC()
	rec, err := s.store.GetWindow(ctx, subjectType, subjectID, action, policy.Window)
	if err != nil {
		return err
	}
	if !rec.Expired(policy.Window, now) && rec.Count >= policy.Limit {
		return s.limited(subjectID, policy, rec, now)
	}

	rec, err = s.store.IncrementWindow(ctx, subjectType, subjectID, action, policy.Window, now)
	if err != nil {
		return err
	}
	// A concurrent burst can push the counter past the limit between the
	// peek and the increment; the atomic counter is authoritative.
	if rec.Count > policy.Limit {
		return s.limited(subjectID, policy, rec, now)
	}
	return nil
}

// RecordAndCheck charges quota before the outcome of the action is known,
// so failed attempts count too. Used for abuse-prone actions such as
// verification-code submission.
func (s *Service) RecordAndCheck(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string) error {
	policy, ok := s.policies[action]
	if !ok {
		return nil
	}

	now := s.now().UTC()
	rec, err := s.store.IncrementWindow(ctx, subjectType, subjectID, action, policy.Window, now)
	if err != nil {
		return err
	}
	if rec.Count > policy.Limit {
		return s.limited(subjectID, policy, rec, now)
	}
	return nil
}

func (s *Service) decide(policy ratelimit.Policy, rec ratelimit.Record, now time.Time) ratelimit.Decision {
	remaining := policy.Limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	d := ratelimit.Decision{Allowed: rec.Count < policy.Limit, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = rec.WindowStart.Add(policy.Window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

func (s *Service) limited(subjectID string, policy ratelimit.Policy, rec ratelimit.Record, now time.Time) error {
	retryAfter := rec.WindowStart.Add(policy.Window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	s.log.WithField("subject_id", subjectID).WithField("action", policy.Action).
		Infof("rate limited, retry after %s", retryAfter)
	return &ratelimit.RateLimitedError{Action: policy.Action, RetryAfter: retryAfter}
}
