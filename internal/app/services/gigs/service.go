// Package gigs drives the gig lifecycle: posting, bidding, acceptance,
// delivery and resolution. All money movements are delegated to the
// market store's transactional operations so that a crash or a lost race
// can never strand or double-move honey.
package gigs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/services/escrows"
	"github.com/waggleworks/hivemarket/internal/app/services/quota"
	"github.com/waggleworks/hivemarket/internal/app/storage"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// DefaultApprovalWindow bounds how long a poster may sit on a delivered
// gig before the sweeper releases the escrow on their behalf.
const DefaultApprovalWindow = 72 * time.Hour

// Service manages gigs and bids.
type Service struct {
	principals storage.PrincipalStore
	store      storage.GigStore
	market     storage.MarketStore
	escrows    *escrows.Service
	quota      *quota.Service

	approvalWindow time.Duration
	now            func() time.Time
	log            *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithApprovalWindow overrides the auto-approval deadline applied at
// delivery time.
func WithApprovalWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.approvalWindow = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a gig service.
func New(principals storage.PrincipalStore, store storage.GigStore, market storage.MarketStore, esc *escrows.Service, q *quota.Service, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("gigs")
	}
	s := &Service{
		principals:     principals,
		store:          store,
		market:         market,
		escrows:        esc,
		quota:          q,
		approvalWindow: DefaultApprovalWindow,
		now:            time.Now,
		log:            log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post creates a new open gig owned by a human principal.
func (s *Service) Post(ctx context.Context, posterID, title, description string, reward int64, deadline time.Time) (gig.Gig, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return gig.Gig{}, fmt.Errorf("title is required")
	}
	if reward < gig.MinReward {
		return gig.Gig{}, gig.ErrRewardTooSmall
	}

	poster, err := s.activePrincipal(ctx, posterID, principal.KindHuman)
	if err != nil {
		return gig.Gig{}, err
	}
	if err := s.quota.Enforce(ctx, ratelimit.SubjectPrincipal, poster.ID, ratelimit.ActionPostGig); err != nil {
		return gig.Gig{}, err
	}

	g, err := s.store.CreateGig(ctx, gig.Gig{
		PosterID:    poster.ID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Reward:      reward,
		Status:      gig.StatusOpen,
		Deadline:    deadline.UTC(),
	})
	if err != nil {
		return gig.Gig{}, err
	}
	s.log.WithField("gig_id", g.ID).WithField("poster_id", poster.ID).
		Infof("gig posted for %d honey", reward)
	return g, nil
}

// Bid places a bee's offer on a gig. The first bid moves the gig from
// open to bidding.
func (s *Service) Bid(ctx context.Context, beeID, gigID string, amount int64, proposal string) (gig.Bid, error) {
	if amount <= 0 {
		return gig.Bid{}, fmt.Errorf("bid amount must be positive")
	}

	bee, err := s.activePrincipal(ctx, beeID, principal.KindBee)
	if err != nil {
		return gig.Bid{}, err
	}
	g, err := s.store.GetGig(ctx, gigID)
	if err != nil {
		return gig.Bid{}, err
	}
	if !g.Status.AcceptsBids() {
		return gig.Bid{}, gig.ErrNotOpenForBids
	}
	if amount > g.Reward {
		return gig.Bid{}, gig.ErrBidExceedsReward
	}
	if err := s.quota.Enforce(ctx, ratelimit.SubjectPrincipal, bee.ID, ratelimit.ActionPlaceBid); err != nil {
		return gig.Bid{}, err
	}

	b, err := s.store.CreateBid(ctx, gig.Bid{
		GigID:    g.ID,
		BeeID:    bee.ID,
		Amount:   amount,
		Proposal: strings.TrimSpace(proposal),
		Status:   gig.BidPending,
	})
	if err != nil {
		return gig.Bid{}, err
	}

	if g.Status == gig.StatusOpen {
		// Best effort: a concurrent first bid may already have moved it.
		if _, err := s.store.UpdateGigStatus(ctx, g.ID, []gig.Status{gig.StatusOpen}, gig.StatusBidding); err != nil && !errors.Is(err, gig.ErrInvalidTransition) {
			return gig.Bid{}, err
		}
	}
	s.log.WithField("gig_id", g.ID).WithField("bee_id", bee.ID).
		Infof("bid placed for %d honey", amount)
	return b, nil
}

// WithdrawBid retracts a pending bid. Only the bid's own bee may withdraw
// it; accepted or rejected bids are immutable.
func (s *Service) WithdrawBid(ctx context.Context, beeID, bidID string) (gig.Bid, error) {
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return gig.Bid{}, err
	}
	if b.BeeID != beeID {
		return gig.Bid{}, gig.ErrForbidden
	}
	return s.store.UpdateBidStatus(ctx, bidID, gig.BidPending, gig.BidWithdrawn)
}

// Accept picks the winning bid. The store performs the whole acceptance
// as one transaction: claim the gig, accept the bid, debit the poster
// into escrow and reject the sibling bids. Exactly one concurrent caller
// wins.
func (s *Service) Accept(ctx context.Context, posterID, gigID, bidID string) (storage.Acceptance, error) {
	g, err := s.store.GetGig(ctx, gigID)
	if err != nil {
		return storage.Acceptance{}, err
	}
	if g.PosterID != posterID {
		return storage.Acceptance{}, gig.ErrForbidden
	}
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return storage.Acceptance{}, err
	}
	if b.GigID != gigID {
		return storage.Acceptance{}, gig.ErrBidNotFound
	}

	acc, err := s.market.AcceptBid(ctx, gigID, bidID)
	if err != nil {
		return storage.Acceptance{}, err
	}
	s.log.WithField("gig_id", gigID).WithField("bid_id", bidID).
		Infof("bid accepted, %d honey escrowed, %d sibling bids rejected", acc.Escrow.Amount, acc.Rejected)
	return acc, nil
}

// Deliver marks an accepted gig as delivered by its assigned bee and
// stamps the auto-approval deadline.
func (s *Service) Deliver(ctx context.Context, beeID, gigID string) (gig.Gig, error) {
	g, err := s.store.GetGig(ctx, gigID)
	if err != nil {
		return gig.Gig{}, err
	}
	if g.AssignedBee != beeID {
		return gig.Gig{}, gig.ErrNotAssignedBee
	}
	now := s.now().UTC()
	updated, err := s.store.MarkDelivered(ctx, gigID, now, now.Add(s.approvalWindow))
	if err != nil {
		return gig.Gig{}, err
	}
	s.log.WithField("gig_id", gigID).WithField("bee_id", beeID).
		Infof("gig delivered, auto-approval at %s", updated.ApproveBy.Format(time.RFC3339))
	return updated, nil
}

// Approve accepts the delivered work, releasing the escrow to the bee and
// completing the gig.
func (s *Service) Approve(ctx context.Context, posterID, gigID string) (storage.Resolution, error) {
	if err := s.requireOwner(ctx, posterID, gigID); err != nil {
		return storage.Resolution{}, err
	}
	return s.escrows.Release(ctx, gigID, []gig.Status{gig.StatusDelivered}, gig.StatusCompleted)
}

// Dispute freezes a delivered gig. Either side of the deal may raise it,
// the poster or the assigned bee. A disputed gig never auto-approves; it
// waits for an explicit admin resolution.
func (s *Service) Dispute(ctx context.Context, principalID, gigID string) (gig.Gig, error) {
	g, err := s.store.GetGig(ctx, gigID)
	if err != nil {
		return gig.Gig{}, err
	}
	if g.PosterID != principalID && g.AssignedBee != principalID {
		return gig.Gig{}, gig.ErrForbidden
	}
	if err := s.quota.Enforce(ctx, ratelimit.SubjectPrincipal, principalID, ratelimit.ActionReport); err != nil {
		return gig.Gig{}, err
	}
	g, err = s.store.UpdateGigStatus(ctx, gigID, []gig.Status{gig.StatusDelivered}, gig.StatusDisputed)
	if err != nil {
		return gig.Gig{}, err
	}
	s.log.WithField("gig_id", gigID).WithField("raised_by", principalID).Info("gig disputed")
	return g, nil
}

// ResolveDispute settles a disputed gig. A paid outcome releases the
// escrow to the bee and completes the gig; a refunded outcome returns the
// honey to the poster and cancels it. Admin surface, no ownership check.
func (s *Service) ResolveDispute(ctx context.Context, gigID string, outcome escrow.Status) (storage.Resolution, error) {
	switch outcome {
	case escrow.StatusPaid:
		return s.escrows.Release(ctx, gigID, []gig.Status{gig.StatusDisputed}, gig.StatusCompleted)
	case escrow.StatusRefunded:
		return s.escrows.Refund(ctx, gigID, []gig.Status{gig.StatusDisputed}, gig.StatusCancelled)
	default:
		return storage.Resolution{}, fmt.Errorf("invalid dispute outcome %q", outcome)
	}
}

// Cancel withdraws a gig before delivery. Held honey, if any, is refunded
// to the poster.
func (s *Service) Cancel(ctx context.Context, posterID, gigID string) (gig.Gig, *storage.Resolution, error) {
	if err := s.requireOwner(ctx, posterID, gigID); err != nil {
		return gig.Gig{}, nil, err
	}
	g, res, err := s.market.CancelGig(ctx, gigID)
	if err != nil {
		return gig.Gig{}, nil, err
	}
	s.log.WithField("gig_id", gigID).Info("gig cancelled")
	return g, res, nil
}

// AutoApprove releases a delivered gig whose approval deadline has
// passed. Called by the sweeper; losing a race against a concurrent
// approval or dispute is expected and surfaces as ErrAlreadyResolved or
// ErrInvalidTransition.
func (s *Service) AutoApprove(ctx context.Context, gigID string) (storage.Resolution, error) {
	return s.escrows.Release(ctx, gigID, []gig.Status{gig.StatusDelivered}, gig.StatusCompleted)
}

// Get returns a single gig.
func (s *Service) Get(ctx context.Context, gigID string) (gig.Gig, error) {
	return s.store.GetGig(ctx, gigID)
}

// List returns gigs in the given state; an empty status lists all.
func (s *Service) List(ctx context.Context, status gig.Status) ([]gig.Gig, error) {
	return s.store.ListGigs(ctx, status)
}

// ListByPoster returns all gigs a principal has posted.
func (s *Service) ListByPoster(ctx context.Context, posterID string) ([]gig.Gig, error) {
	return s.store.ListGigsByPoster(ctx, posterID)
}

// ListBids returns the bids on a gig.
func (s *Service) ListBids(ctx context.Context, gigID string) ([]gig.Bid, error) {
	if _, err := s.store.GetGig(ctx, gigID); err != nil {
		return nil, err
	}
	return s.store.ListBids(ctx, gigID)
}

// ListOverdue returns delivered gigs whose approval deadline has passed
// at the given instant.
func (s *Service) ListOverdue(ctx context.Context, now time.Time) ([]gig.Gig, error) {
	return s.store.ListOverdueDelivered(ctx, now)
}

func (s *Service) requireOwner(ctx context.Context, posterID, gigID string) error {
	g, err := s.store.GetGig(ctx, gigID)
	if err != nil {
		return err
	}
	if g.PosterID != posterID {
		return gig.ErrForbidden
	}
	return nil
}

func (s *Service) activePrincipal(ctx context.Context, id string, kind principal.Kind) (principal.Principal, error) {
	p, err := s.principals.GetPrincipal(ctx, id)
	if err != nil {
		return principal.Principal{}, err
	}
	if !p.Active {
		return principal.Principal{}, principal.ErrDeactivated
	}
	if p.Kind != kind {
		return principal.Principal{}, principal.ErrInvalidKind
	}
	return p, nil
}
