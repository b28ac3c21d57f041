// Package escrows manages the held-funds records backing accepted gigs.
// Escrow rows are opened inside the bid-acceptance transaction; this
// service owns their resolution and read surface.
package escrows

import (
	"context"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/storage"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// Service resolves and inspects escrows. Resolution is exactly-once: the
// store flips the escrow open->outcome conditionally, so a second caller
// observes escrow.ErrAlreadyResolved instead of moving money twice.
type Service struct {
	store  storage.EscrowStore
	market storage.MarketStore
	log    *logger.Logger
}

// New constructs an escrow service.
func New(store storage.EscrowStore, market storage.MarketStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("escrows")
	}
	return &Service{
		store:  store,
		market: market,
		log:    log,
	}
}

// Release pays the held amount to the assigned bee and advances the gig
// from one of the expected states to the target state.
func (s *Service) Release(ctx context.Context, gigID string, from []gig.Status, to gig.Status) (storage.Resolution, error) {
	res, err := s.market.ResolveGig(ctx, gigID, escrow.StatusPaid, from, to)
	if err != nil {
		return storage.Resolution{}, err
	}
	s.log.WithField("gig_id", gigID).WithField("amount", res.Escrow.Amount).
		Infof("escrow released to bee %s", res.Escrow.BeeID)
	return res, nil
}

// Refund returns the held amount to the poster and advances the gig.
func (s *Service) Refund(ctx context.Context, gigID string, from []gig.Status, to gig.Status) (storage.Resolution, error) {
	res, err := s.market.ResolveGig(ctx, gigID, escrow.StatusRefunded, from, to)
	if err != nil {
		return storage.Resolution{}, err
	}
	s.log.WithField("gig_id", gigID).WithField("amount", res.Escrow.Amount).
		Infof("escrow refunded to poster %s", res.Escrow.PosterID)
	return res, nil
}

// Get returns the escrow backing a gig, resolved or not.
func (s *Service) Get(ctx context.Context, gigID string) (escrow.Escrow, error) {
	return s.store.GetEscrowByGig(ctx, gigID)
}

// List returns escrows in the given state; an empty status lists all.
func (s *Service) List(ctx context.Context, status escrow.Status) ([]escrow.Escrow, error) {
	return s.store.ListEscrows(ctx, status)
}
