package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestDebit_SingleStatementGuard(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE principals SET balance = balance - \$2`).
		WithArgs("p1", int64(100), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(400))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := store.Debit(context.Background(), "p1", 100, ledger.ReasonEscrowHold, "gig-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if entry.Amount != -100 || entry.BalanceAfter != 400 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDebit_InsufficientFundsDistinguishedFromMissing(t *testing.T) {
	store, mock := newMockStore(t)

	// Guarded update misses, follow-up lookup finds the row: broke, not gone.
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE principals SET balance = balance - \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(`SELECT balance FROM principals`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(40))
	mock.ExpectRollback()

	_, err := store.Debit(context.Background(), "p1", 100, ledger.ReasonEscrowHold, "gig-1")
	var insufficient *ledger.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if insufficient.Balance != 40 {
		t.Fatalf("balance = %d, want 40", insufficient.Balance)
	}

	// Both queries miss: the principal does not exist.
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE principals SET balance = balance - \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(`SELECT balance FROM principals`).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	_, err = store.Debit(context.Background(), "missing", 100, ledger.ReasonEscrowHold, "gig-1")
	if !errors.Is(err, principal.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateGigStatus_ConflictOnZeroRows(t *testing.T) {
	store, mock := newMockStore(t)

	// The conditional update misses; the follow-up lookup shows the gig
	// exists, so the caller lost a transition race.
	mock.ExpectQuery(`UPDATE gigs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.UpdateGigStatus(context.Background(), "g1", []gig.Status{gig.StatusDelivered}, gig.StatusCompleted)
	if !errors.Is(err, gig.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
