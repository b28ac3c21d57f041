// Package postgres implements the storage interfaces backed by PostgreSQL.
// Every guard is expressed as a conditional UPDATE whose affected-row count
// is checked; composite money movements run in a single transaction so a
// losing concurrent writer observes a conflict instead of overwriting.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/storage"
)

// Store implements the storage interfaces on a PostgreSQL handle.
type Store struct {
	db *sqlx.DB
}

var _ storage.PrincipalStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.GigStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.MarketStore = (*Store)(nil)
var _ storage.RateLimitStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// PrincipalStore implementation ----------------------------------------------

func (s *Store) CreatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, kind, name, email, email_verified, balance, active, api_key_hash, email_token, gigs_completed, reputation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.Kind, p.Name, p.Email, p.EmailVerified, p.Balance, p.Active, p.APIKeyHash, p.EmailToken, p.GigsCompleted, p.Reputation, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return principal.Principal{}, err
	}
	return p, nil
}

func (s *Store) UpdatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error) {
	// Balance and counters move only through ledger/market operations.
	var updated principal.Principal
	err := s.db.GetContext(ctx, &updated, `
		UPDATE principals
		SET name = $2, email = $3, email_verified = $4, active = $5, api_key_hash = $6, email_token = $7, updated_at = $8
		WHERE id = $1
		RETURNING id, kind, name, email, email_verified, balance, active, api_key_hash, email_token, gigs_completed, reputation, created_at, updated_at
	`, p.ID, p.Name, p.Email, p.EmailVerified, p.Active, p.APIKeyHash, p.EmailToken, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return principal.Principal{}, principal.ErrNotFound
	}
	if err != nil {
		return principal.Principal{}, err
	}
	return updated, nil
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (principal.Principal, error) {
	var p principal.Principal
	err := s.db.GetContext(ctx, &p, `
		SELECT id, kind, name, email, email_verified, balance, active, api_key_hash, email_token, gigs_completed, reputation, created_at, updated_at
		FROM principals WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return principal.Principal{}, principal.ErrNotFound
	}
	if err != nil {
		return principal.Principal{}, err
	}
	return p, nil
}

func (s *Store) ListPrincipals(ctx context.Context) ([]principal.Principal, error) {
	out := []principal.Principal{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, kind, name, email, email_verified, balance, active, api_key_hash, email_token, gigs_completed, reputation, created_at, updated_at
		FROM principals ORDER BY created_at
	`)
	return out, err
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) Credit(ctx context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	var entry ledger.Entry
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = creditTx(ctx, tx, principalID, amount, reason, reference)
		return err
	})
	return entry, err
}

func (s *Store) Debit(ctx context.Context, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	var entry ledger.Entry
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = debitTx(ctx, tx, principalID, amount, reason, reference)
		return err
	})
	return entry, err
}

// creditTx applies the balance delta as a single arithmetic update and
// appends the audit entry with the returned balance.
func creditTx(ctx context.Context, tx *sqlx.Tx, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		UPDATE principals SET balance = balance + $2, updated_at = $3
		WHERE id = $1
		RETURNING balance
	`, principalID, amount, time.Now().UTC()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, principal.ErrNotFound
	}
	if err != nil {
		return ledger.Entry{}, err
	}
	return appendEntryTx(ctx, tx, principalID, amount, reason, reference, balance)
}

// debitTx decrements only when the resulting balance stays non-negative, in
// one statement, so concurrent debits cannot both pass a stale read.
func debitTx(ctx context.Context, tx *sqlx.Tx, principalID string, amount int64, reason ledger.Reason, reference string) (ledger.Entry, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		UPDATE principals SET balance = balance - $2, updated_at = $3
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`, principalID, amount, time.Now().UTC()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var current int64
		lookupErr := tx.QueryRowContext(ctx, `SELECT balance FROM principals WHERE id = $1`, principalID).Scan(&current)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return ledger.Entry{}, principal.ErrNotFound
		}
		if lookupErr != nil {
			return ledger.Entry{}, lookupErr
		}
		return ledger.Entry{}, &ledger.InsufficientFundsError{PrincipalID: principalID, Balance: current, Requested: amount}
	}
	if err != nil {
		return ledger.Entry{}, err
	}
	return appendEntryTx(ctx, tx, principalID, -amount, reason, reference, balance)
}

func appendEntryTx(ctx context.Context, tx *sqlx.Tx, principalID string, amount int64, reason ledger.Reason, reference string, balanceAfter int64) (ledger.Entry, error) {
	entry := ledger.Entry{
		ID:           uuid.NewString(),
		PrincipalID:  principalID,
		Amount:       amount,
		Reason:       reason,
		Reference:    reference,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, principal_id, amount, reason, reference, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.PrincipalID, entry.Amount, entry.Reason, entry.Reference, entry.BalanceAfter, entry.CreatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func (s *Store) LedgerHistory(ctx context.Context, principalID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	out := []ledger.Entry{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, principal_id, amount, reason, reference, balance_after, created_at
		FROM ledger_entries
		WHERE principal_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, principalID, limit)
	return out, err
}

// GigStore implementation -----------------------------------------------------

const gigColumns = `id, poster_id, title, description, reward, status, assigned_bee, accepted_bid, deadline, delivered_at, approve_by, created_at, updated_at`

func (s *Store) CreateGig(ctx context.Context, g gig.Gig) (gig.Gig, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = gig.StatusOpen
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gigs (id, poster_id, title, description, reward, status, assigned_bee, accepted_bid, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, g.ID, g.PosterID, g.Title, g.Description, g.Reward, g.Status, g.AssignedBee, g.AcceptedBid, g.Deadline, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return gig.Gig{}, err
	}
	return g, nil
}

func (s *Store) GetGig(ctx context.Context, id string) (gig.Gig, error) {
	var g gig.Gig
	err := s.db.GetContext(ctx, &g, `SELECT `+gigColumns+` FROM gigs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return gig.Gig{}, gig.ErrNotFound
	}
	if err != nil {
		return gig.Gig{}, err
	}
	return g, nil
}

func (s *Store) ListGigs(ctx context.Context, status gig.Status) ([]gig.Gig, error) {
	out := []gig.Gig{}
	if status == "" {
		err := s.db.SelectContext(ctx, &out, `SELECT `+gigColumns+` FROM gigs ORDER BY created_at DESC`)
		return out, err
	}
	err := s.db.SelectContext(ctx, &out, `SELECT `+gigColumns+` FROM gigs WHERE status = $1 ORDER BY created_at DESC`, status)
	return out, err
}

func (s *Store) ListGigsByPoster(ctx context.Context, posterID string) ([]gig.Gig, error) {
	out := []gig.Gig{}
	err := s.db.SelectContext(ctx, &out, `SELECT `+gigColumns+` FROM gigs WHERE poster_id = $1 ORDER BY created_at DESC`, posterID)
	return out, err
}

func (s *Store) UpdateGigStatus(ctx context.Context, id string, from []gig.Status, to gig.Status) (gig.Gig, error) {
	var g gig.Gig
	err := s.db.GetContext(ctx, &g, `
		UPDATE gigs SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+gigColumns+`
	`, id, to, time.Now().UTC(), pq.Array(statusStrings(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return gig.Gig{}, s.gigConflict(ctx, id)
	}
	if err != nil {
		return gig.Gig{}, err
	}
	return g, nil
}

// gigConflict distinguishes a missing gig from a lost status race.
func (s *Store) gigConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM gigs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return gig.ErrNotFound
	}
	return gig.ErrInvalidTransition
}

func (s *Store) MarkDelivered(ctx context.Context, id string, deliveredAt, approveBy time.Time) (gig.Gig, error) {
	var g gig.Gig
	err := s.db.GetContext(ctx, &g, `
		UPDATE gigs SET status = $2, delivered_at = $3, approve_by = $4, updated_at = $5
		WHERE id = $1 AND status = $6
		RETURNING `+gigColumns+`
	`, id, gig.StatusDelivered, deliveredAt, approveBy, time.Now().UTC(), gig.StatusAccepted)
	if errors.Is(err, sql.ErrNoRows) {
		return gig.Gig{}, s.gigConflict(ctx, id)
	}
	if err != nil {
		return gig.Gig{}, err
	}
	return g, nil
}

func (s *Store) ListOverdueDelivered(ctx context.Context, now time.Time) ([]gig.Gig, error) {
	out := []gig.Gig{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+gigColumns+` FROM gigs
		WHERE status = $1 AND approve_by IS NOT NULL AND approve_by <= $2
		ORDER BY approve_by
	`, gig.StatusDelivered, now)
	return out, err
}

const bidColumns = `id, gig_id, bee_id, amount, proposal, status, created_at, updated_at`

func (s *Store) CreateBid(ctx context.Context, b gig.Bid) (gig.Bid, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = gig.BidPending
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	// The insert only lands while the gig still accepts bids.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bids (id, gig_id, bee_id, amount, proposal, status, created_at, updated_at)
		SELECT $1, g.id, $3, $4, $5, $6, $7, $8
		FROM gigs g
		WHERE g.id = $2 AND g.status IN ($9, $10)
	`, b.ID, b.GigID, b.BeeID, b.Amount, b.Proposal, b.Status, b.CreatedAt, b.UpdatedAt,
		gig.StatusOpen, gig.StatusBidding)
	if err != nil {
		return gig.Bid{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetGig(ctx, b.GigID); err != nil {
			return gig.Bid{}, err
		}
		return gig.Bid{}, gig.ErrNotOpenForBids
	}
	return b, nil
}

func (s *Store) GetBid(ctx context.Context, id string) (gig.Bid, error) {
	var b gig.Bid
	err := s.db.GetContext(ctx, &b, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return gig.Bid{}, gig.ErrBidNotFound
	}
	if err != nil {
		return gig.Bid{}, err
	}
	return b, nil
}

func (s *Store) ListBids(ctx context.Context, gigID string) ([]gig.Bid, error) {
	out := []gig.Bid{}
	err := s.db.SelectContext(ctx, &out, `SELECT `+bidColumns+` FROM bids WHERE gig_id = $1 ORDER BY created_at`, gigID)
	return out, err
}

func (s *Store) UpdateBidStatus(ctx context.Context, id string, from, to gig.BidStatus) (gig.Bid, error) {
	var b gig.Bid
	err := s.db.GetContext(ctx, &b, `
		UPDATE bids SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+bidColumns+`
	`, id, to, time.Now().UTC(), from)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bids WHERE id = $1)`, id).Scan(&exists); err != nil {
			return gig.Bid{}, err
		}
		if !exists {
			return gig.Bid{}, gig.ErrBidNotFound
		}
		return gig.Bid{}, gig.ErrBidNotPending
	}
	if err != nil {
		return gig.Bid{}, err
	}
	return b, nil
}

// EscrowStore implementation --------------------------------------------------

const escrowColumns = `id, gig_id, bid_id, poster_id, bee_id, amount, status, created_at, resolved_at`

func (s *Store) CreateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	var created escrow.Escrow
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		created, err = createEscrowTx(ctx, tx, e)
		return err
	})
	return created, err
}

func createEscrowTx(ctx context.Context, tx *sqlx.Tx, e escrow.Escrow) (escrow.Escrow, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = escrow.StatusOpen
	e.CreatedAt = time.Now().UTC()

	// The unique index on gig_id backs the one-escrow-per-gig invariant.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrows (id, gig_id, bid_id, poster_id, bee_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.GigID, e.BidID, e.PosterID, e.BeeID, e.Amount, e.Status, e.CreatedAt)
	if isUniqueViolation(err) {
		return escrow.Escrow{}, escrow.ErrEscrowConflict
	}
	if err != nil {
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Store) GetEscrowByGig(ctx context.Context, gigID string) (escrow.Escrow, error) {
	var e escrow.Escrow
	err := s.db.GetContext(ctx, &e, `SELECT `+escrowColumns+` FROM escrows WHERE gig_id = $1`, gigID)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Escrow{}, escrow.ErrNoEscrow
	}
	if err != nil {
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Store) ListEscrows(ctx context.Context, status escrow.Status) ([]escrow.Escrow, error) {
	out := []escrow.Escrow{}
	if status == "" {
		err := s.db.SelectContext(ctx, &out, `SELECT `+escrowColumns+` FROM escrows ORDER BY created_at`)
		return out, err
	}
	err := s.db.SelectContext(ctx, &out, `SELECT `+escrowColumns+` FROM escrows WHERE status = $1 ORDER BY created_at`, status)
	return out, err
}

// MarketStore implementation --------------------------------------------------

func (s *Store) AcceptBid(ctx context.Context, gigID, bidID string) (storage.Acceptance, error) {
	var acc storage.Acceptance
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		// Claim the gig first: exactly one concurrent acceptance wins.
		var g gig.Gig
		err := tx.GetContext(ctx, &g, `
			UPDATE gigs SET status = $2, updated_at = $3
			WHERE id = $1 AND status = ANY($4)
			RETURNING `+gigColumns+`
		`, gigID, gig.StatusAccepted, now, pq.Array([]string{string(gig.StatusOpen), string(gig.StatusBidding)}))
		if errors.Is(err, sql.ErrNoRows) {
			return s.gigConflict(ctx, gigID)
		}
		if err != nil {
			return err
		}

		var b gig.Bid
		err = tx.GetContext(ctx, &b, `
			UPDATE bids SET status = $3, updated_at = $4
			WHERE id = $1 AND gig_id = $2 AND status = $5
			RETURNING `+bidColumns+`
		`, bidID, gigID, gig.BidAccepted, now, gig.BidPending)
		if errors.Is(err, sql.ErrNoRows) {
			return gig.ErrBidNotPending
		}
		if err != nil {
			return err
		}

		entry, err := debitTx(ctx, tx, g.PosterID, b.Amount, ledger.ReasonEscrowHold, gigID)
		if err != nil {
			return err
		}

		esc, err := createEscrowTx(ctx, tx, escrow.Escrow{
			GigID:    gigID,
			BidID:    b.ID,
			PosterID: g.PosterID,
			BeeID:    b.BeeID,
			Amount:   b.Amount,
		})
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &g, `
			UPDATE gigs SET assigned_bee = $2, accepted_bid = $3, updated_at = $4
			WHERE id = $1
			RETURNING `+gigColumns+`
		`, gigID, b.BeeID, b.ID, now)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE bids SET status = $3, updated_at = $4
			WHERE gig_id = $1 AND id <> $2 AND status = $5
		`, gigID, bidID, gig.BidRejected, now, gig.BidPending)
		if err != nil {
			return err
		}
		rejected, _ := res.RowsAffected()

		acc = storage.Acceptance{Gig: g, Bid: b, Escrow: esc, Entry: entry, Rejected: int(rejected)}
		return nil
	})
	if err != nil {
		return storage.Acceptance{}, err
	}
	return acc, nil
}

func (s *Store) ResolveGig(ctx context.Context, gigID string, outcome escrow.Status, from []gig.Status, to gig.Status) (storage.Resolution, error) {
	var res storage.Resolution
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		// Resolving the escrow row first makes release/refund idempotent:
		// the second resolver finds zero open rows.
		var e escrow.Escrow
		err := tx.GetContext(ctx, &e, `
			UPDATE escrows SET status = $2, resolved_at = $3
			WHERE gig_id = $1 AND status = $4
			RETURNING `+escrowColumns+`
		`, gigID, outcome, now, escrow.StatusOpen)
		if errors.Is(err, sql.ErrNoRows) {
			var status escrow.Status
			lookupErr := tx.QueryRowContext(ctx, `SELECT status FROM escrows WHERE gig_id = $1`, gigID).Scan(&status)
			if errors.Is(lookupErr, sql.ErrNoRows) {
				return escrow.ErrNoEscrow
			}
			if lookupErr != nil {
				return lookupErr
			}
			return escrow.ErrAlreadyResolved
		}
		if err != nil {
			return err
		}

		var g gig.Gig
		err = tx.GetContext(ctx, &g, `
			UPDATE gigs SET status = $2, updated_at = $3
			WHERE id = $1 AND status = ANY($4)
			RETURNING `+gigColumns+`
		`, gigID, to, now, pq.Array(statusStrings(from)))
		if errors.Is(err, sql.ErrNoRows) {
			return gig.ErrInvalidTransition
		}
		if err != nil {
			return err
		}

		var entry ledger.Entry
		switch outcome {
		case escrow.StatusPaid:
			entry, err = creditTx(ctx, tx, e.BeeID, e.Amount, ledger.ReasonEscrowRelease, gigID)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE principals SET gigs_completed = gigs_completed + 1, reputation = reputation + 1, updated_at = $2
				WHERE id = $1
			`, e.BeeID, now)
		case escrow.StatusRefunded:
			entry, err = creditTx(ctx, tx, e.PosterID, e.Amount, ledger.ReasonEscrowRefund, gigID)
		default:
			err = fmt.Errorf("invalid escrow outcome %q", outcome)
		}
		if err != nil {
			return err
		}

		res = storage.Resolution{Gig: g, Escrow: e, Entry: entry}
		return nil
	})
	if err != nil {
		return storage.Resolution{}, err
	}
	return res, nil
}

func (s *Store) CancelGig(ctx context.Context, gigID string) (gig.Gig, *storage.Resolution, error) {
	var (
		g   gig.Gig
		res *storage.Resolution
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		cancellable := []gig.Status{gig.StatusOpen, gig.StatusBidding, gig.StatusAccepted}
		err := tx.GetContext(ctx, &g, `
			UPDATE gigs SET status = $2, updated_at = $3
			WHERE id = $1 AND status = ANY($4)
			RETURNING `+gigColumns+`
		`, gigID, gig.StatusCancelled, now, pq.Array(statusStrings(cancellable)))
		if errors.Is(err, sql.ErrNoRows) {
			return s.gigConflict(ctx, gigID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE bids SET status = $2, updated_at = $3
			WHERE gig_id = $1 AND status = $4
		`, gigID, gig.BidRejected, now, gig.BidPending); err != nil {
			return err
		}

		// Cancel racing with accept happens inside the store transaction:
		// either the acceptance committed and its escrow is visible here,
		// or the cancel claimed the gig first and the acceptance loses.
		var e escrow.Escrow
		err = tx.GetContext(ctx, &e, `
			UPDATE escrows SET status = $2, resolved_at = $3
			WHERE gig_id = $1 AND status = $4
			RETURNING `+escrowColumns+`
		`, gigID, escrow.StatusRefunded, now, escrow.StatusOpen)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // no held funds to return
		}
		if err != nil {
			return err
		}

		entry, err := creditTx(ctx, tx, e.PosterID, e.Amount, ledger.ReasonEscrowRefund, gigID)
		if err != nil {
			return err
		}
		res = &storage.Resolution{Gig: g, Escrow: e, Entry: entry}
		return nil
	})
	if err != nil {
		return gig.Gig{}, nil, err
	}
	return g, res, nil
}

// RateLimitStore implementation -----------------------------------------------

func (s *Store) GetWindow(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string, _ time.Duration) (ratelimit.Record, error) {
	var rec ratelimit.Record
	err := s.db.GetContext(ctx, &rec, `
		SELECT subject_type, subject_id, action, count, window_start
		FROM rate_limits
		WHERE subject_type = $1 AND subject_id = $2 AND action = $3
	`, subjectType, subjectID, action)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Record{SubjectType: subjectType, SubjectID: subjectID, Action: action}, nil
	}
	if err != nil {
		return ratelimit.Record{}, err
	}
	return rec, nil
}

// IncrementWindow is a single upsert: the increment and the elapsed-window
// reset happen in one statement, so concurrent callers cannot both observe
// an empty window.
func (s *Store) IncrementWindow(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string, window time.Duration, now time.Time) (ratelimit.Record, error) {
	rec := ratelimit.Record{SubjectType: subjectType, SubjectID: subjectID, Action: action}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limits (subject_type, subject_id, action, count, window_start)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (subject_type, subject_id, action) DO UPDATE SET
			count = CASE
				WHEN rate_limits.window_start + make_interval(secs => $5) <= $4 THEN 1
				ELSE rate_limits.count + 1
			END,
			window_start = CASE
				WHEN rate_limits.window_start + make_interval(secs => $5) <= $4 THEN $4
				ELSE rate_limits.window_start
			END
		RETURNING count, window_start
	`, subjectType, subjectID, action, now.UTC(), window.Seconds()).Scan(&rec.Count, &rec.WindowStart)
	if err != nil {
		return ratelimit.Record{}, err
	}
	return rec, nil
}

// Helpers ----------------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func statusStrings(statuses []gig.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
