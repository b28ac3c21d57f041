package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/services/escrows"
	"github.com/waggleworks/hivemarket/internal/app/services/gigs"
	"github.com/waggleworks/hivemarket/internal/app/services/quota"
	"github.com/waggleworks/hivemarket/internal/app/storage/memory"
)

type fixture struct {
	store   *memory.Store
	gigs    *gigs.Service
	sweeper *Service
	now     *time.Time
	poster  principal.Principal
	bee     principal.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	poster, err := store.CreatePrincipal(ctx, principal.Principal{Kind: principal.KindHuman, Name: "poster", Active: true})
	if err != nil {
		t.Fatalf("create poster: %v", err)
	}
	if _, err := store.Credit(ctx, poster.ID, 10_000, ledger.ReasonGrant, "seed"); err != nil {
		t.Fatalf("seed poster: %v", err)
	}
	bee, err := store.CreatePrincipal(ctx, principal.Principal{Kind: principal.KindBee, Name: "bee", Active: true})
	if err != nil {
		t.Fatalf("create bee: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{store: store, now: &now, poster: poster, bee: bee}
	clock := func() time.Time { return *f.now }

	q := quota.New(store, nil, quota.WithPolicies(map[string]ratelimit.Policy{}))
	esc := escrows.New(store, store, nil)
	f.gigs = gigs.New(store, store, store, esc, q, nil,
		gigs.WithApprovalWindow(time.Hour), gigs.WithClock(clock))
	f.sweeper = New(f.gigs, nil, WithClock(clock))
	return f
}

// deliveredGig posts, bids, accepts and delivers one gig.
func (f *fixture) deliveredGig(t *testing.T, title string) gig.Gig {
	t.Helper()
	ctx := context.Background()

	g, err := f.gigs.Post(ctx, f.poster.ID, title, "", 200, f.now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	b, err := f.gigs.Bid(ctx, f.bee.ID, g.ID, 150, "")
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := f.gigs.Accept(ctx, f.poster.ID, g.ID, b.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	delivered, err := f.gigs.Deliver(ctx, f.bee.ID, g.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	return delivered
}

func TestSweep_ApprovesOnlyOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	overdue := f.deliveredGig(t, "old")
	*f.now = f.now.Add(30 * time.Minute)
	fresh := f.deliveredGig(t, "fresh")

	// Past the first gig's window, inside the second's.
	*f.now = f.now.Add(45 * time.Minute)

	results, err := f.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 || results[0].GigID != overdue.ID || !results[0].Approved {
		t.Fatalf("unexpected results: %+v", results)
	}

	g, _ := f.store.GetGig(ctx, overdue.ID)
	if g.Status != gig.StatusCompleted {
		t.Fatalf("overdue gig = %s, want completed", g.Status)
	}
	g, _ = f.store.GetGig(ctx, fresh.ID)
	if g.Status != gig.StatusDelivered {
		t.Fatalf("fresh gig = %s, want still delivered", g.Status)
	}

	bee, _ := f.store.GetPrincipal(ctx, f.bee.ID)
	if bee.Balance != 150 {
		t.Fatalf("bee balance = %d, want 150", bee.Balance)
	}
}

func TestSweep_SkipsDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := f.deliveredGig(t, "contested")
	if _, err := f.gigs.Dispute(ctx, f.poster.ID, g.ID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	*f.now = f.now.Add(2 * time.Hour)

	results, err := f.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("disputed gig must not be swept: %+v", results)
	}

	got, _ := f.store.GetGig(ctx, g.ID)
	if got.Status != gig.StatusDisputed {
		t.Fatalf("status = %s, want disputed", got.Status)
	}
	esc, err := f.store.GetEscrowByGig(ctx, g.ID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if esc.Status != escrow.StatusOpen {
		t.Fatalf("escrow = %s, want still open", esc.Status)
	}
}

func TestSweep_ToleratesLostRaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.deliveredGig(t, "one")
	second := f.deliveredGig(t, "two")
	*f.now = f.now.Add(2 * time.Hour)

	// The poster approves the first gig just before the sweep, as a
	// concurrent request would.
	if _, err := f.gigs.Approve(ctx, f.poster.ID, first.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	results, err := f.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 || results[0].GigID != second.ID || !results[0].Approved {
		t.Fatalf("unexpected results: %+v", results)
	}

	// Losing the race outright is also tolerated: auto-approving the
	// already-completed gig reports a skip, not a failure.
	res, err := f.gigs.AutoApprove(ctx, first.ID)
	if err == nil {
		t.Fatalf("auto-approve resolved gig should fail, got %+v", res)
	}

	// Paid exactly twice, never three times.
	bee, _ := f.store.GetPrincipal(ctx, f.bee.ID)
	if bee.Balance != 300 {
		t.Fatalf("bee balance = %d, want 300", bee.Balance)
	}
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deliveredGig(t, "one")
	*f.now = f.now.Add(2 * time.Hour)

	if _, err := f.sweeper.Sweep(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	results, err := f.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("second sweep found work: %+v", results)
	}
}
