package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations holds the schema statements in apply order. Statements are
// idempotent so Apply can run on every boot.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS principals (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		name           TEXT NOT NULL,
		email          TEXT NOT NULL DEFAULT '',
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		balance        BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		api_key_hash   TEXT NOT NULL DEFAULT '',
		email_token    TEXT NOT NULL DEFAULT '',
		gigs_completed BIGINT NOT NULL DEFAULT 0,
		reputation     BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS gigs (
		id           TEXT PRIMARY KEY,
		poster_id    TEXT NOT NULL REFERENCES principals (id),
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		reward       BIGINT NOT NULL,
		status       TEXT NOT NULL,
		assigned_bee TEXT NOT NULL DEFAULT '',
		accepted_bid TEXT NOT NULL DEFAULT '',
		deadline     TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ,
		approve_by   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gigs_status ON gigs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_gigs_poster ON gigs (poster_id)`,
	`CREATE INDEX IF NOT EXISTS idx_gigs_overdue ON gigs (status, approve_by)`,

	`CREATE TABLE IF NOT EXISTS bids (
		id         TEXT PRIMARY KEY,
		gig_id     TEXT NOT NULL REFERENCES gigs (id),
		bee_id     TEXT NOT NULL REFERENCES principals (id),
		amount     BIGINT NOT NULL,
		proposal   TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bids_gig ON bids (gig_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bids_bee ON bids (bee_id)`,

	// The unique gig_id constraint backs the one-escrow-per-gig invariant;
	// a gig only ever accepts one bid, so one escrow record ever exists.
	`CREATE TABLE IF NOT EXISTS escrows (
		id          TEXT PRIMARY KEY,
		gig_id      TEXT NOT NULL UNIQUE REFERENCES gigs (id),
		bid_id      TEXT NOT NULL,
		poster_id   TEXT NOT NULL REFERENCES principals (id),
		bee_id      TEXT NOT NULL REFERENCES principals (id),
		amount      BIGINT NOT NULL CHECK (amount > 0),
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows (status)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            TEXT PRIMARY KEY,
		principal_id  TEXT NOT NULL REFERENCES principals (id),
		amount        BIGINT NOT NULL,
		reason        TEXT NOT NULL,
		reference     TEXT NOT NULL DEFAULT '',
		balance_after BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_principal ON ledger_entries (principal_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		subject_type TEXT NOT NULL,
		subject_id   TEXT NOT NULL,
		action       TEXT NOT NULL,
		count        INTEGER NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (subject_type, subject_id, action)
	)`,
}

// Apply runs all schema migrations in order.
func Apply(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
