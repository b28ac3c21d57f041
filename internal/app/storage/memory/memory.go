// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development; all composite operations run under a single
// lock so they expose the same all-or-nothing semantics as the Postgres
// transactions.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/storage"
)

// Store is the in-memory implementation of every storage interface.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	principals   map[string]principal.Principal
	gigs         map[string]gig.Gig
	bids         map[string]gig.Bid
	bidsByGig    map[string][]string
	escrowsByGig map[string]escrow.Escrow
	entries      map[string][]ledger.Entry
	windows      map[string]ratelimit.Record
}

var _ storage.PrincipalStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.GigStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.MarketStore = (*Store)(nil)
var _ storage.RateLimitStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		principals:   make(map[string]principal.Principal),
		gigs:         make(map[string]gig.Gig),
		bids:         make(map[string]gig.Bid),
		bidsByGig:    make(map[string][]string),
		escrowsByGig: make(map[string]escrow.Escrow),
		entries:      make(map[string][]ledger.Entry),
		windows:      make(map[string]ratelimit.Record),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// PrincipalStore implementation ----------------------------------------------

func (s *Store) CreatePrincipal(_ context.Context, p principal.Principal) (principal.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.principals[p.ID]; exists {
		return principal.Principal{}, fmt.Errorf("principal %s already exists", p.ID)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.principals[p.ID] = p
	return p, nil
}

func (s *Store) UpdatePrincipal(_ context.Context, p principal.Principal) (principal.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.principals[p.ID]
	if !ok {
		return principal.Principal{}, principal.ErrNotFound
	}
	// Balance and counters move only through ledger/market operations.
	p.Balance = existing.Balance
	p.GigsCompleted = existing.GigsCompleted
	p.Reputation = existing.Reputation
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.principals[p.ID] = p
	return p, nil
}

func (s *Store) GetPrincipal(_ context.Context, id string) (principal.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return principal.Principal{}, principal.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPrincipals(_ context.Context) ([]principal.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]principal.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		out = append(out, p)
	}
	return out, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) Credit(_ context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(principalID, amount, reason, reference)
}

func (s *Store) Debit(_ context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(principalID, amount, reason, reference)
}

func (s *Store) creditLocked(principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	p, ok := s.principals[principalID]
	if !ok {
		return ledger.Entry{}, principal.ErrNotFound
	}
	p.Balance += amount
	p.UpdatedAt = time.Now().UTC()
	s.principals[principalID] = p
	return s.appendEntryLocked(principalID, amount, reason, reference, p.Balance), nil
}

func (s *Store) debitLocked(principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	p, ok := s.principals[principalID]
	if !ok {
		return ledger.Entry{}, principal.ErrNotFound
	}
	if p.Balance < amount {
		return ledger.Entry{}, &ledger.InsufficientFundsError{PrincipalID: principalID, Balance: p.Balance, Requested: amount}
	}
	p.Balance -= amount
	p.UpdatedAt = time.Now().UTC()
	s.principals[principalID] = p
	return s.appendEntryLocked(principalID, -amount, reason, reference, p.Balance), nil
}

func (s *Store) appendEntryLocked(principalID string, amount int64, reason ledger.Reason, reference string, balanceAfter int64) ledger.Entry {
	entry := ledger.Entry{
		ID:           s.nextIDLocked(),
		PrincipalID:  principalID,
		Amount:       amount,
		Reason:       reason,
		Reference:    reference,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
	}
	s.entries[principalID] = append(s.entries[principalID], entry)
	return entry
}

func (s *Store) LedgerHistory(_ context.Context, principalID string, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[principalID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	// Most recent first.
	out := make([]ledger.Entry, 0, limit)
	for i := len(entries) - 1; i >= len(entries)-limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// GigStore implementation -----------------------------------------------------

func (s *Store) CreateGig(_ context.Context, g gig.Gig) (gig.Gig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = gig.StatusOpen
	}
	s.gigs[g.ID] = g
	return g, nil
}

func (s *Store) GetGig(_ context.Context, id string) (gig.Gig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gigs[id]
	if !ok {
		return gig.Gig{}, gig.ErrNotFound
	}
	return g, nil
}

func (s *Store) ListGigs(_ context.Context, status gig.Status) ([]gig.Gig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gig.Gig, 0)
	for _, g := range s.gigs {
		if status == "" || g.Status == status {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) ListGigsByPoster(_ context.Context, posterID string) ([]gig.Gig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gig.Gig, 0)
	for _, g := range s.gigs {
		if g.PosterID == posterID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) UpdateGigStatus(_ context.Context, id string, from []gig.Status, to gig.Status) (gig.Gig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateGigStatusLocked(id, from, to)
}

func (s *Store) updateGigStatusLocked(id string, from []gig.Status, to gig.Status) (gig.Gig, error) {
	g, ok := s.gigs[id]
	if !ok {
		return gig.Gig{}, gig.ErrNotFound
	}
	if !statusIn(g.Status, from) {
		return gig.Gig{}, gig.ErrInvalidTransition
	}
	g.Status = to
	g.UpdatedAt = time.Now().UTC()
	s.gigs[id] = g
	return g, nil
}

func (s *Store) MarkDelivered(_ context.Context, id string, deliveredAt, approveBy time.Time) (gig.Gig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gigs[id]
	if !ok {
		return gig.Gig{}, gig.ErrNotFound
	}
	if g.Status != gig.StatusAccepted {
		return gig.Gig{}, gig.ErrInvalidTransition
	}
	g.Status = gig.StatusDelivered
	g.DeliveredAt = &deliveredAt
	g.ApproveBy = &approveBy
	g.UpdatedAt = time.Now().UTC()
	s.gigs[id] = g
	return g, nil
}

func (s *Store) ListOverdueDelivered(_ context.Context, now time.Time) ([]gig.Gig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gig.Gig, 0)
	for _, g := range s.gigs {
		if g.Status == gig.StatusDelivered && g.ApproveBy != nil && !now.Before(*g.ApproveBy) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) CreateBid(_ context.Context, b gig.Bid) (gig.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gigs[b.GigID]
	if !ok {
		return gig.Bid{}, gig.ErrNotFound
	}
	if !g.Status.AcceptsBids() {
		return gig.Bid{}, gig.ErrNotOpenForBids
	}
	if b.ID == "" {
		b.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = gig.BidPending
	}
	s.bids[b.ID] = b
	s.bidsByGig[b.GigID] = append(s.bidsByGig[b.GigID], b.ID)
	return b, nil
}

func (s *Store) GetBid(_ context.Context, id string) (gig.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return gig.Bid{}, gig.ErrBidNotFound
	}
	return b, nil
}

func (s *Store) ListBids(_ context.Context, gigID string) ([]gig.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bidsByGig[gigID]
	out := make([]gig.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.bids[id])
	}
	return out, nil
}

func (s *Store) UpdateBidStatus(_ context.Context, id string, from, to gig.BidStatus) (gig.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[id]
	if !ok {
		return gig.Bid{}, gig.ErrBidNotFound
	}
	if b.Status != from {
		return gig.Bid{}, gig.ErrBidNotPending
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	s.bids[id] = b
	return b, nil
}

// EscrowStore implementation --------------------------------------------------

func (s *Store) CreateEscrow(_ context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createEscrowLocked(e)
}

func (s *Store) createEscrowLocked(e escrow.Escrow) (escrow.Escrow, error) {
	if existing, ok := s.escrowsByGig[e.GigID]; ok && !existing.Status.Resolved() {
		return escrow.Escrow{}, escrow.ErrEscrowConflict
	}
	if e.ID == "" {
		e.ID = s.nextIDLocked()
	}
	e.Status = escrow.StatusOpen
	e.CreatedAt = time.Now().UTC()
	s.escrowsByGig[e.GigID] = e
	return e, nil
}

func (s *Store) GetEscrowByGig(_ context.Context, gigID string) (escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrowsByGig[gigID]
	if !ok {
		return escrow.Escrow{}, escrow.ErrNoEscrow
	}
	return e, nil
}

func (s *Store) ListEscrows(_ context.Context, status escrow.Status) ([]escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]escrow.Escrow, 0)
	for _, e := range s.escrowsByGig {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarketStore implementation --------------------------------------------------

func (s *Store) AcceptBid(_ context.Context, gigID, bidID string) (storage.Acceptance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gigs[gigID]
	if !ok {
		return storage.Acceptance{}, gig.ErrNotFound
	}
	if !g.Status.AcceptsBids() {
		return storage.Acceptance{}, gig.ErrInvalidTransition
	}
	b, ok := s.bids[bidID]
	if !ok || b.GigID != gigID {
		return storage.Acceptance{}, gig.ErrBidNotFound
	}
	if b.Status != gig.BidPending {
		return storage.Acceptance{}, gig.ErrBidNotPending
	}
	if existing, ok := s.escrowsByGig[gigID]; ok && !existing.Status.Resolved() {
		return storage.Acceptance{}, escrow.ErrEscrowConflict
	}

	entry, err := s.debitLocked(g.PosterID, b.Amount, ledger.ReasonEscrowHold, gigID)
	if err != nil {
		return storage.Acceptance{}, err
	}

	now := time.Now().UTC()
	g.Status = gig.StatusAccepted
	g.AssignedBee = b.BeeID
	g.AcceptedBid = b.ID
	g.UpdatedAt = now
	s.gigs[gigID] = g

	b.Status = gig.BidAccepted
	b.UpdatedAt = now
	s.bids[bidID] = b

	rejected := 0
	for _, otherID := range s.bidsByGig[gigID] {
		other := s.bids[otherID]
		if other.ID != bidID && other.Status == gig.BidPending {
			other.Status = gig.BidRejected
			other.UpdatedAt = now
			s.bids[otherID] = other
			rejected++
		}
	}

	esc, err := s.createEscrowLocked(escrow.Escrow{
		GigID:    gigID,
		BidID:    b.ID,
		PosterID: g.PosterID,
		BeeID:    b.BeeID,
		Amount:   b.Amount,
	})
	if err != nil {
		return storage.Acceptance{}, err
	}

	return storage.Acceptance{Gig: g, Bid: b, Escrow: esc, Entry: entry, Rejected: rejected}, nil
}

func (s *Store) ResolveGig(_ context.Context, gigID string, outcome escrow.Status, from []gig.Status, to gig.Status) (storage.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrowsByGig[gigID]
	if !ok {
		return storage.Resolution{}, escrow.ErrNoEscrow
	}
	if e.Status.Resolved() {
		return storage.Resolution{}, escrow.ErrAlreadyResolved
	}

	prev := s.gigs[gigID]
	if _, err := s.updateGigStatusLocked(gigID, from, to); err != nil {
		return storage.Resolution{}, err
	}

	var entry ledger.Entry
	var err error
	now := time.Now().UTC()
	switch outcome {
	case escrow.StatusPaid:
		entry, err = s.creditLocked(e.BeeID, e.Amount, ledger.ReasonEscrowRelease, gigID)
		if err == nil {
			bee := s.principals[e.BeeID]
			bee.GigsCompleted++
			bee.Reputation++
			bee.UpdatedAt = now
			s.principals[e.BeeID] = bee
		}
	case escrow.StatusRefunded:
		entry, err = s.creditLocked(e.PosterID, e.Amount, ledger.ReasonEscrowRefund, gigID)
	default:
		err = fmt.Errorf("invalid escrow outcome %q", outcome)
	}
	if err != nil {
		// Roll the status guard back so a later attempt can succeed.
		s.gigs[gigID] = prev
		return storage.Resolution{}, err
	}

	e.Status = outcome
	e.ResolvedAt = &now
	s.escrowsByGig[gigID] = e

	return storage.Resolution{Gig: s.gigs[gigID], Escrow: e, Entry: entry}, nil
}

func (s *Store) CancelGig(_ context.Context, gigID string) (gig.Gig, *storage.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancellable := []gig.Status{gig.StatusOpen, gig.StatusBidding, gig.StatusAccepted}
	g, err := s.updateGigStatusLocked(gigID, cancellable, gig.StatusCancelled)
	if err != nil {
		return gig.Gig{}, nil, err
	}

	now := time.Now().UTC()
	for _, bidID := range s.bidsByGig[gigID] {
		b := s.bids[bidID]
		if b.Status == gig.BidPending {
			b.Status = gig.BidRejected
			b.UpdatedAt = now
			s.bids[bidID] = b
		}
	}

	e, ok := s.escrowsByGig[gigID]
	if !ok || e.Status.Resolved() {
		return g, nil, nil
	}

	entry, err := s.creditLocked(e.PosterID, e.Amount, ledger.ReasonEscrowRefund, gigID)
	if err != nil {
		return gig.Gig{}, nil, err
	}
	e.Status = escrow.StatusRefunded
	e.ResolvedAt = &now
	s.escrowsByGig[gigID] = e

	return g, &storage.Resolution{Gig: g, Escrow: e, Entry: entry}, nil
}

// RateLimitStore implementation -----------------------------------------------

func windowKey(subjectType ratelimit.SubjectType, subjectID, action string) string {
	return fmt.Sprintf("%s/%s/%s", subjectType, subjectID, action)
}

func (s *Store) GetWindow(_ context.Context, subjectType ratelimit.SubjectType, subjectID, action string, _ time.Duration) (ratelimit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.windows[windowKey(subjectType, subjectID, action)]
	if !ok {
		return ratelimit.Record{SubjectType: subjectType, SubjectID: subjectID, Action: action}, nil
	}
	return rec, nil
}

func (s *Store) IncrementWindow(_ context.Context, subjectType ratelimit.SubjectType, subjectID, action string, window time.Duration, now time.Time) (ratelimit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey(subjectType, subjectID, action)
	rec, ok := s.windows[key]
	if !ok || rec.Expired(window, now) {
		rec = ratelimit.Record{
			SubjectType: subjectType,
			SubjectID:   subjectID,
			Action:      action,
			Count:       1,
			WindowStart: now,
		}
	} else {
		rec.Count++
	}
	s.windows[key] = rec
	return rec, nil
}

func statusIn(status gig.Status, set []gig.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
