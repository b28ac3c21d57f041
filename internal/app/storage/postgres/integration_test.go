//go:build integration && postgres

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/waggleworks/hivemarket/internal/app/domain/escrow"
	"github.com/waggleworks/hivemarket/internal/app/domain/gig"
	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
)

// Integration test against Postgres to ensure migrations and the
// transactional market operations work with real persistence.
func TestIntegrationPostgres(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	store := New(db)

	poster, err := store.CreatePrincipal(ctx, principal.Principal{Kind: principal.KindHuman, Name: "pg-poster", Active: true})
	if err != nil {
		t.Fatalf("create poster: %v", err)
	}
	bee, err := store.CreatePrincipal(ctx, principal.Principal{Kind: principal.KindBee, Name: "pg-bee", Active: true})
	if err != nil {
		t.Fatalf("create bee: %v", err)
	}
	if _, err := store.Credit(ctx, poster.ID, 1000, ledger.ReasonGrant, "seed"); err != nil {
		t.Fatalf("seed poster: %v", err)
	}

	g, err := store.CreateGig(ctx, gig.Gig{
		PosterID: poster.ID,
		Title:    "pg lifecycle",
		Reward:   500,
		Status:   gig.StatusOpen,
		Deadline: time.Now().Add(24 * time.Hour).UTC(),
	})
	if err != nil {
		t.Fatalf("create gig: %v", err)
	}
	b, err := store.CreateBid(ctx, gig.Bid{GigID: g.ID, BeeID: bee.ID, Amount: 400})
	if err != nil {
		t.Fatalf("create bid: %v", err)
	}

	acc, err := store.AcceptBid(ctx, g.ID, b.ID)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if acc.Escrow.Status != escrow.StatusOpen || acc.Escrow.Amount != 400 {
		t.Fatalf("unexpected escrow: %+v", acc.Escrow)
	}

	now := time.Now().UTC()
	if _, err := store.MarkDelivered(ctx, g.ID, now, now.Add(-time.Minute)); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	overdue, err := store.ListOverdueDelivered(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	found := false
	for _, o := range overdue {
		if o.ID == g.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("gig missing from overdue list")
	}

	res, err := store.ResolveGig(ctx, g.ID, escrow.StatusPaid, []gig.Status{gig.StatusDelivered}, gig.StatusCompleted)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Gig.Status != gig.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Gig.Status)
	}
	if _, err := store.ResolveGig(ctx, g.ID, escrow.StatusPaid, []gig.Status{gig.StatusDelivered}, gig.StatusCompleted); err == nil {
		t.Fatal("second resolve should fail")
	}

	paidBee, err := store.GetPrincipal(ctx, bee.ID)
	if err != nil {
		t.Fatalf("get bee: %v", err)
	}
	if paidBee.Balance != 400 || paidBee.GigsCompleted != 1 {
		t.Fatalf("unexpected bee after payout: %+v", paidBee)
	}
}
