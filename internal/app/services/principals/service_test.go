package principals

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	ledgersvc "github.com/waggleworks/hivemarket/internal/app/services/ledger"
	"github.com/waggleworks/hivemarket/internal/app/services/quota"
	"github.com/waggleworks/hivemarket/internal/app/storage/memory"
)

func newFixture(t *testing.T, policies map[string]ratelimit.Policy, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	if policies == nil {
		policies = map[string]ratelimit.Policy{}
	}
	q := quota.New(store, nil, quota.WithPolicies(policies))
	svc := New(store, ledgersvc.New(store, store, nil), q, nil, opts...)
	return svc, store
}

func TestRegister_SignupBonus(t *testing.T) {
	svc, store := newFixture(t, nil)
	ctx := context.Background()

	p, key, err := svc.Register(ctx, principal.KindBee, "worker", "bee@hive.test")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(key, "hm_") {
		t.Fatalf("key %q should carry the hm_ prefix", key)
	}
	if p.Balance != DefaultSignupBonus {
		t.Fatalf("balance = %d, want %d", p.Balance, DefaultSignupBonus)
	}
	if !p.Active || p.Kind != principal.KindBee {
		t.Fatalf("unexpected principal: %+v", p)
	}

	history, err := store.LedgerHistory(ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Reason != ledger.ReasonSignupBonus {
		t.Fatalf("unexpected history: %+v", history)
	}

	if _, _, err := svc.Register(ctx, principal.Kind("drone"), "x", ""); !errors.Is(err, principal.ErrInvalidKind) {
		t.Fatalf("bad kind: %v", err)
	}
}

func TestRegister_BonusDisabled(t *testing.T) {
	svc, _ := newFixture(t, nil, WithSignupBonus(0))
	p, _, err := svc.Register(context.Background(), principal.KindHuman, "poster", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.Balance != 0 {
		t.Fatalf("balance = %d, want 0", p.Balance)
	}
}

func TestVerifyAPIKey(t *testing.T) {
	svc, _ := newFixture(t, nil)
	ctx := context.Background()

	p, key, err := svc.Register(ctx, principal.KindHuman, "poster", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := svc.VerifyAPIKey(ctx, p.ID, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("verified wrong principal: %s", got.ID)
	}

	if _, err := svc.VerifyAPIKey(ctx, p.ID, "hm_wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong key: %v", err)
	}
	if _, err := svc.VerifyAPIKey(ctx, "missing", key); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown principal must look like a bad key: %v", err)
	}

	if _, err := svc.Deactivate(ctx, p.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.VerifyAPIKey(ctx, p.ID, key); !errors.Is(err, principal.ErrDeactivated) {
		t.Fatalf("deactivated verify: %v", err)
	}
}

func TestRotateKey(t *testing.T) {
	policies := map[string]ratelimit.Policy{
		ratelimit.ActionRotateKey: {Action: ratelimit.ActionRotateKey, Limit: 1, Window: time.Hour},
	}
	svc, _ := newFixture(t, policies)
	ctx := context.Background()

	p, oldKey, err := svc.Register(ctx, principal.KindBee, "worker", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	newKey, err := svc.RotateKey(ctx, p.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("rotation returned the old key")
	}
	if _, err := svc.VerifyAPIKey(ctx, p.ID, oldKey); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("old key should be dead: %v", err)
	}
	if _, err := svc.VerifyAPIKey(ctx, p.ID, newKey); err != nil {
		t.Fatalf("new key: %v", err)
	}

	// The window allows one rotation.
	var limited *ratelimit.RateLimitedError
	if _, err := svc.RotateKey(ctx, p.ID); !errors.As(err, &limited) {
		t.Fatalf("second rotation: %v", err)
	}
}

func TestEmailVerification(t *testing.T) {
	policies := map[string]ratelimit.Policy{
		ratelimit.ActionVerifyEmail: {Action: ratelimit.ActionVerifyEmail, Limit: 3, Window: time.Hour},
	}
	svc, _ := newFixture(t, policies)
	ctx := context.Background()

	p, _, err := svc.Register(ctx, principal.KindHuman, "poster", "poster@hive.test")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	code, err := svc.RequestEmailVerification(ctx, p.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Wrong guesses are charged against the window.
	if _, err := svc.ConfirmEmail(ctx, p.ID, "nope"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong code: %v", err)
	}
	if _, err := svc.ConfirmEmail(ctx, p.ID, "still nope"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong code: %v", err)
	}

	confirmed, err := svc.ConfirmEmail(ctx, p.ID, code)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmed.EmailVerified {
		t.Fatal("email not marked verified")
	}

	// The spent code cannot be replayed, and the window is now exhausted.
	var limited *ratelimit.RateLimitedError
	if _, err := svc.ConfirmEmail(ctx, p.ID, code); !errors.As(err, &limited) {
		t.Fatalf("fourth attempt: %v", err)
	}

	if _, err := svc.RequestEmailVerification(ctx, p.ID); err != nil {
		t.Fatalf("re-request: %v", err)
	}
}

func TestRequestEmailVerification_NoEmail(t *testing.T) {
	svc, _ := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := svc.Register(ctx, principal.KindBee, "worker", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RequestEmailVerification(ctx, p.ID); err == nil {
		t.Fatal("expected error for principal without email")
	}
}
