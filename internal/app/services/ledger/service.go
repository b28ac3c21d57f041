// Package ledger moves honey between the mint and principal balances.
// Every movement is appended to the audit trail by the store in the same
// operation that changes the balance.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/storage"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// Service exposes balance movements outside the gig lifecycle: admin
// grants, signup bonuses, manual adjustments, and history reads.
type Service struct {
	principals storage.PrincipalStore
	store      storage.LedgerStore
	log        *logger.Logger
}

// New constructs a ledger service.
func New(principals storage.PrincipalStore, store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		principals: principals,
		store:      store,
		log:        log,
	}
}

// Grant mints honey into a principal's balance. Single grants above the
// sanity cap are rejected outright.
func (s *Service) Grant(ctx context.Context, principalID string, amount int64, reference string) (ledger.Entry, error) {
	if amount > ledger.MaxGrant {
		return ledger.Entry{}, ledger.ErrGrantTooLarge
	}
	return s.Credit(ctx, principalID, amount, ledger.ReasonGrant, reference)
}

// Credit adds honey to a principal's balance and records the entry.
func (s *Service) Credit(ctx context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ledger.Entry{}, fmt.Errorf("principal_id is required")
	}
	if amount <= 0 {
		return ledger.Entry{}, ledger.ErrAmountNotPositive
	}

	entry, err := s.store.Credit(ctx, principalID, amount, reason, reference)
	if err != nil {
		return ledger.Entry{}, err
	}
	s.log.WithField("principal_id", principalID).WithField("amount", amount).
		Infof("credited honey (%s)", reason)
	return entry, nil
}

// Debit removes honey from a principal's balance. The store rejects any
// debit that would drive the balance negative.
func (s *Service) Debit(ctx context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ledger.Entry{}, fmt.Errorf("principal_id is required")
	}
	if amount <= 0 {
		return ledger.Entry{}, ledger.ErrAmountNotPositive
	}

	entry, err := s.store.Debit(ctx, principalID, amount, reason, reference)
	if err != nil {
		return ledger.Entry{}, err
	}
	s.log.WithField("principal_id", principalID).WithField("amount", amount).
		Infof("debited honey (%s)", reason)
	return entry, nil
}

// Balance returns the principal's current honey balance.
func (s *Service) Balance(ctx context.Context, principalID string) (int64, error) {
	p, err := s.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// History returns the most recent ledger entries for a principal, newest
// first. A non-positive limit returns the full trail.
func (s *Service) History(ctx context.Context, principalID string, limit int) ([]ledger.Entry, error) {
	if _, err := s.principals.GetPrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	return s.store.LedgerHistory(ctx, principalID, limit)
}
