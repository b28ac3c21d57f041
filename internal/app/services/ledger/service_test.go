package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/storage/memory"
)

func newFixture(t *testing.T) (*Service, *memory.Store, principal.Principal) {
	t.Helper()
	store := memory.New()
	p, err := store.CreatePrincipal(context.Background(), principal.Principal{
		Kind:   principal.KindHuman,
		Name:   "poster",
		Active: true,
	})
	if err != nil {
		t.Fatalf("create principal: %v", err)
	}
	return New(store, store, nil), store, p
}

func TestService_CreditDebit(t *testing.T) {
	svc, _, p := newFixture(t)
	ctx := context.Background()

	entry, err := svc.Credit(ctx, p.ID, 300, domain.ReasonGrant, "seed")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if entry.Amount != 300 || entry.BalanceAfter != 300 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	entry, err = svc.Debit(ctx, p.ID, 100, domain.ReasonEscrowHold, "gig-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if entry.Amount != -100 || entry.BalanceAfter != 200 {
		t.Fatalf("unexpected debit entry: %+v", entry)
	}

	balance, err := svc.Balance(ctx, p.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 200 {
		t.Fatalf("balance = %d, want 200", balance)
	}

	history, err := svc.History(ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestService_DebitInsufficientFunds(t *testing.T) {
	svc, _, p := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, p.ID, 50, domain.ReasonGrant, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	_, err := svc.Debit(ctx, p.ID, 100, domain.ReasonEscrowHold, "gig-1")
	if !domain.IsInsufficientFunds(err) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	var insufficient *domain.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected typed error, got %T", err)
	}
	if insufficient.Balance != 50 || insufficient.Requested != 100 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}

	// Balance untouched by the failed debit.
	balance, err := svc.Balance(ctx, p.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 50 {
		t.Fatalf("balance = %d, want 50", balance)
	}
}

func TestService_AmountValidation(t *testing.T) {
	svc, _, p := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, p.ID, 0, domain.ReasonGrant, ""); !errors.Is(err, domain.ErrAmountNotPositive) {
		t.Fatalf("zero credit: %v", err)
	}
	if _, err := svc.Debit(ctx, p.ID, -5, domain.ReasonAdjustment, ""); !errors.Is(err, domain.ErrAmountNotPositive) {
		t.Fatalf("negative debit: %v", err)
	}
}

func TestService_GrantCap(t *testing.T) {
	svc, _, p := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, p.ID, domain.MaxGrant+1, "too-big"); !errors.Is(err, domain.ErrGrantTooLarge) {
		t.Fatalf("expected grant cap rejection, got %v", err)
	}
	entry, err := svc.Grant(ctx, p.ID, domain.MaxGrant, "max")
	if err != nil {
		t.Fatalf("grant at cap: %v", err)
	}
	if entry.Reason != domain.ReasonGrant {
		t.Fatalf("unexpected reason: %s", entry.Reason)
	}
}

func TestService_UnknownPrincipal(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, "missing", 10, domain.ReasonGrant, ""); !errors.Is(err, principal.ErrNotFound) {
		t.Fatalf("credit unknown: %v", err)
	}
	if _, err := svc.Balance(ctx, "missing"); !errors.Is(err, principal.ErrNotFound) {
		t.Fatalf("balance unknown: %v", err)
	}
}

func TestService_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, _, p := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, p.ID, 500, domain.ReasonGrant, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, p.ID, 100, domain.ReasonEscrowHold, "race")
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	succeeded := 0
	for err := range errCh {
		switch {
		case err == nil:
			succeeded++
		case domain.IsInsufficientFunds(err):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 5 {
		t.Fatalf("succeeded = %d, want exactly 5", succeeded)
	}

	balance, err := svc.Balance(ctx, p.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
}
