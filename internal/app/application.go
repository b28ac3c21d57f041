// Package app wires the marketplace services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/services/escrows"
	"github.com/waggleworks/hivemarket/internal/app/services/gigs"
	ledgersvc "github.com/waggleworks/hivemarket/internal/app/services/ledger"
	"github.com/waggleworks/hivemarket/internal/app/services/principals"
	"github.com/waggleworks/hivemarket/internal/app/services/quota"
	"github.com/waggleworks/hivemarket/internal/app/services/sweeper"
	"github.com/waggleworks/hivemarket/internal/app/storage"
	"github.com/waggleworks/hivemarket/internal/app/storage/memory"
	"github.com/waggleworks/hivemarket/internal/app/system"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Principals storage.PrincipalStore
	Ledger     storage.LedgerStore
	Gigs       storage.GigStore
	Escrows    storage.EscrowStore
	Market     storage.MarketStore
	RateLimits storage.RateLimitStore
}

// Options tunes application behaviour beyond store selection.
type Options struct {
	// ApprovalWindow is the delay before delivered gigs auto-approve.
	ApprovalWindow time.Duration
	// SweepSchedule is the cron expression driving the sweeper.
	SweepSchedule string
	// SignupBonus is the honey credited on registration.
	SignupBonus int64
	// DisableSweeper turns off the background sweeper; sweeps then only
	// run when triggered explicitly.
	DisableSweeper bool
}

// Application ties the marketplace services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Principals *principals.Service
	Ledger     *ledgersvc.Service
	Quota      *quota.Service
	Escrows    *escrows.Service
	Gigs       *gigs.Service
	Sweeper    *sweeper.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Principals == nil {
		stores.Principals = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Gigs == nil {
		stores.Gigs = mem
	}
	if stores.Escrows == nil {
		stores.Escrows = mem
	}
	if stores.Market == nil {
		stores.Market = mem
	}
	if stores.RateLimits == nil {
		stores.RateLimits = mem
	}

	manager := system.NewManager()

	ledgerService := ledgersvc.New(stores.Principals, stores.Ledger, log)
	quotaService := quota.New(stores.RateLimits, log)

	var principalOpts []principals.Option
	if opts.SignupBonus > 0 {
		principalOpts = append(principalOpts, principals.WithSignupBonus(opts.SignupBonus))
	}
	principalService := principals.New(stores.Principals, ledgerService, quotaService, log, principalOpts...)

	escrowService := escrows.New(stores.Escrows, stores.Market, log)

	var gigOpts []gigs.Option
	if opts.ApprovalWindow > 0 {
		gigOpts = append(gigOpts, gigs.WithApprovalWindow(opts.ApprovalWindow))
	}
	gigService := gigs.New(stores.Principals, stores.Gigs, stores.Market, escrowService, quotaService, log, gigOpts...)

	sweepService := sweeper.New(gigService, log)

	for _, name := range []string{"principals", "ledger", "gigs", "escrows"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if !opts.DisableSweeper {
		runner := sweeper.NewRunner(sweepService, opts.SweepSchedule, log)
		if err := manager.Register(runner); err != nil {
			return nil, fmt.Errorf("register %s: %w", runner.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Principals: principalService,
		Ledger:     ledgerService,
		Quota:      quotaService,
		Escrows:    escrowService,
		Gigs:       gigService,
		Sweeper:    sweepService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
