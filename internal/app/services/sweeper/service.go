// Package sweeper auto-approves delivered gigs whose approval window has
// elapsed, releasing the escrow to the bee on the poster's behalf.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/services/gigs"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// Result records the outcome of one candidate gig in a sweep.
type Result struct {
	GigID    string `json:"gig_id"`
	Approved bool   `json:"approved"`
	Skipped  bool   `json:"skipped"`
	Err      error  `json:"-"`
}

// Service performs auto-approval sweeps.
type Service struct {
	gigs *gigs.Service
	now  func() time.Time
	log  *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a sweeper.
func New(gigSvc *gigs.Service, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	s := &Service{
		gigs: gigSvc,
		now:  time.Now,
		log:  log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep releases every delivered gig whose approval deadline has passed.
// One failing gig never aborts the sweep: races lost to a concurrent
// approval, dispute or cancellation are recorded as skips, and unexpected
// errors are recorded per gig and reported to the caller in the results.
func (s *Service) Sweep(ctx context.Context) ([]Result, error) {
	now := s.now().UTC()
	overdue, err := s.gigs.ListOverdue(ctx, now)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(overdue))
	for _, g := range overdue {
		res := Result{GigID: g.ID}
		switch _, err := s.gigs.AutoApprove(ctx, g.ID); {
		case err == nil:
			res.Approved = true
			s.log.WithField("gig_id", g.ID).Info("auto-approved overdue gig")
		case errors.Is(err, escrow.ErrAlreadyResolved),
			errors.Is(err, escrow.ErrNoEscrow),
			errors.Is(err, gig.ErrInvalidTransition):
			// Lost the race to an approval, dispute or cancellation.
			res.Skipped = true
		default:
			res.Err = err
			s.log.WithError(err).WithField("gig_id", g.ID).Error("auto-approval failed")
		}
		results = append(results, res)
	}
	return results, nil
}
