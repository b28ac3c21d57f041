package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/storage/memory"
)

func newClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestEnforce_WindowExhaustionAndRollover(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, clock := newClock(start)

	policies := map[string]ratelimit.Policy{
		"gig.post": {Action: "gig.post", Limit: 1, Window: time.Minute},
	}
	svc := New(memory.New(), nil, WithPolicies(policies), WithClock(clock))
	ctx := context.Background()

	if err := svc.Enforce(ctx, ratelimit.SubjectPrincipal, "p1", "gig.post"); err != nil {
		t.Fatalf("first action: %v", err)
	}

	*now = start.Add(10 * time.Second)
	err := svc.Enforce(ctx, ratelimit.SubjectPrincipal, "p1", "gig.post")
	var limited *ratelimit.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if limited.RetryAfter != 50*time.Second {
		t.Fatalf("retry after = %s, want 50s", limited.RetryAfter)
	}

	// The rejected attempt was not charged; the window still rolls over
	// exactly one minute after the first action.
	*now = start.Add(time.Minute)
	if err := svc.Enforce(ctx, ratelimit.SubjectPrincipal, "p1", "gig.post"); err != nil {
		t.Fatalf("after rollover: %v", err)
	}
}

func TestEnforce_SubjectsAreIndependent(t *testing.T) {
	policies := map[string]ratelimit.Policy{
		"gig.post": {Action: "gig.post", Limit: 1, Window: time.Hour},
	}
	svc := New(memory.New(), nil, WithPolicies(policies))
	ctx := context.Background()

	if err := svc.Enforce(ctx, ratelimit.SubjectPrincipal, "p1", "gig.post"); err != nil {
		t.Fatalf("p1: %v", err)
	}
	if err := svc.Enforce(ctx, ratelimit.SubjectPrincipal, "p2", "gig.post"); err != nil {
		t.Fatalf("p2 must have its own window: %v", err)
	}
	if err := svc.Enforce(ctx, ratelimit.SubjectAddress, "p1", "gig.post"); err != nil {
		t.Fatalf("address namespace must be separate: %v", err)
	}
}

func TestEnforce_UnknownActionUnlimited(t *testing.T) {
	svc := New(memory.New(), nil, WithPolicies(map[string]ratelimit.Policy{}))
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := svc.Enforce(ctx, ratelimit.SubjectPrincipal, "p1", "unbounded"); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}

func TestRecordAndCheck_ChargesFailedAttempts(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, clock := newClock(start)
	policies := map[string]ratelimit.Policy{
		"email.verify": {Action: "email.verify", Limit: 3, Window: time.Hour},
	}
	svc := New(memory.New(), nil, WithPolicies(policies), WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.RecordAndCheck(ctx, ratelimit.SubjectPrincipal, "p1", "email.verify"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	err := svc.RecordAndCheck(ctx, ratelimit.SubjectPrincipal, "p1", "email.verify")
	var limited *ratelimit.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestCheck_DoesNotConsume(t *testing.T) {
	policies := map[string]ratelimit.Policy{
		"key.rotate": {Action: "key.rotate", Limit: 1, Window: time.Hour},
	}
	svc := New(memory.New(), nil, WithPolicies(policies))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := svc.Check(ctx, ratelimit.SubjectPrincipal, "p1", "key.rotate")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !d.Allowed || d.Remaining != 1 {
			t.Fatalf("check must not consume quota: %+v", d)
		}
	}

	if err := svc.Enforce(ctx, ratelimit.SubjectPrincipal, "p1", "key.rotate"); err != nil {
		t.Fatalf("enforce: %v", err)
	}
	d, err := svc.Check(ctx, ratelimit.SubjectPrincipal, "p1", "key.rotate")
	if err != nil {
		t.Fatalf("check after enforce: %v", err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("window should be exhausted: %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Fatalf("unexpected retry after: %s", d.RetryAfter)
	}
}
