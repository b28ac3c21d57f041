// Package principals manages marketplace participants: registration,
// API-key authentication, email verification and deactivation.
package principals

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/waggleworks/hivemarket/internal/app/domain/ledger"
	"github.com/waggleworks/hivemarket/internal/app/domain/principal"
	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	ledgersvc "github.com/waggleworks/hivemarket/internal/app/services/ledger"
	"github.com/waggleworks/hivemarket/internal/app/services/quota"
	"github.com/waggleworks/hivemarket/internal/app/storage"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// DefaultSignupBonus is credited to every newly registered principal so
// fresh posters can fund their first gig.
const DefaultSignupBonus int64 = 500

// ErrBadCredentials is returned when an API key or verification code does
// not match. Deliberately indistinguishable between wrong key and unknown
// principal at the HTTP surface.
var ErrBadCredentials = errors.New("bad credentials")

// Service manages principals.
type Service struct {
	store  storage.PrincipalStore
	ledger *ledgersvc.Service
	quota  *quota.Service

	signupBonus int64
	log         *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithSignupBonus overrides the registration credit. Zero disables it.
func WithSignupBonus(amount int64) Option {
	return func(s *Service) { s.signupBonus = amount }
}

// New constructs a principals service.
func New(store storage.PrincipalStore, ledgerSvc *ledgersvc.Service, q *quota.Service, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("principals")
	}
	s := &Service{
		store:       store,
		ledger:      ledgerSvc,
		quota:       q,
		signupBonus: DefaultSignupBonus,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a principal and returns it together with the API key.
// The key is shown exactly once; only its bcrypt hash is stored.
func (s *Service) Register(ctx context.Context, kind principal.Kind, name, email string) (principal.Principal, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return principal.Principal{}, "", fmt.Errorf("name is required")
	}
	if !kind.Valid() {
		return principal.Principal{}, "", principal.ErrInvalidKind
	}

	key, hash, err := newAPIKey()
	if err != nil {
		return principal.Principal{}, "", err
	}

	p, err := s.store.CreatePrincipal(ctx, principal.Principal{
		Kind:       kind,
		Name:       name,
		Email:      strings.TrimSpace(email),
		Active:     true,
		APIKeyHash: hash,
	})
	if err != nil {
		return principal.Principal{}, "", err
	}

	if s.signupBonus > 0 {
		entry, err := s.ledger.Credit(ctx, p.ID, s.signupBonus, ledger.ReasonSignupBonus, p.ID)
		if err != nil {
			return principal.Principal{}, "", fmt.Errorf("signup bonus: %w", err)
		}
		p.Balance = entry.BalanceAfter
	}

	s.log.WithField("principal_id", p.ID).WithField("kind", string(kind)).Info("principal registered")
	return p, key, nil
}

// VerifyAPIKey authenticates a principal by ID and API key.
func (s *Service) VerifyAPIKey(ctx context.Context, id, key string) (principal.Principal, error) {
	p, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return principal.Principal{}, ErrBadCredentials
		}
		return principal.Principal{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(p.APIKeyHash), []byte(key)) != nil {
		return principal.Principal{}, ErrBadCredentials
	}
	if !p.Active {
		return principal.Principal{}, principal.ErrDeactivated
	}
	return p, nil
}

// RotateKey replaces the principal's API key, returning the new key once.
func (s *Service) RotateKey(ctx context.Context, id string) (string, error) {
	if err := s.quota.Enforce(ctx, ratelimit.SubjectPrincipal, id, ratelimit.ActionRotateKey); err != nil {
		return "", err
	}
	p, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		return "", err
	}
	if !p.Active {
		return "", principal.ErrDeactivated
	}

	key, hash, err := newAPIKey()
	if err != nil {
		return "", err
	}
	p.APIKeyHash = hash
	if _, err := s.store.UpdatePrincipal(ctx, p); err != nil {
		return "", err
	}
	s.log.WithField("principal_id", id).Info("api key rotated")
	return key, nil
}

// RequestEmailVerification issues a fresh verification code for the
// principal's email. The caller is responsible for delivering it; only
// the hash is stored.
func (s *Service) RequestEmailVerification(ctx context.Context, id string) (string, error) {
	p, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		return "", err
	}
	if !p.Active {
		return "", principal.ErrDeactivated
	}
	if p.Email == "" {
		return "", fmt.Errorf("principal has no email on file")
	}

	code := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	p.EmailToken = string(hash)
	p.EmailVerified = false
	if _, err := s.store.UpdatePrincipal(ctx, p); err != nil {
		return "", err
	}
	return code, nil
}

// ConfirmEmail checks a submitted verification code. Attempts are charged
// against the quota whether or not the code matches, so the window bounds
// brute-force guessing.
func (s *Service) ConfirmEmail(ctx context.Context, id, code string) (principal.Principal, error) {
	if err := s.quota.RecordAndCheck(ctx, ratelimit.SubjectPrincipal, id, ratelimit.ActionVerifyEmail); err != nil {
		return principal.Principal{}, err
	}

	p, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		return principal.Principal{}, err
	}
	if p.EmailToken == "" || bcrypt.CompareHashAndPassword([]byte(p.EmailToken), []byte(code)) != nil {
		return principal.Principal{}, ErrBadCredentials
	}

	p.EmailVerified = true
	p.EmailToken = ""
	updated, err := s.store.UpdatePrincipal(ctx, p)
	if err != nil {
		return principal.Principal{}, err
	}
	s.log.WithField("principal_id", id).Info("email verified")
	return updated, nil
}

// Deactivate retires a principal. Deactivated principals keep their
// balance and history but can no longer act.
func (s *Service) Deactivate(ctx context.Context, id string) (principal.Principal, error) {
	p, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		return principal.Principal{}, err
	}
	if !p.Active {
		return p, nil
	}
	p.Active = false
	updated, err := s.store.UpdatePrincipal(ctx, p)
	if err != nil {
		return principal.Principal{}, err
	}
	s.log.WithField("principal_id", id).Info("principal deactivated")
	return updated, nil
}

// Get returns a principal by ID.
func (s *Service) Get(ctx context.Context, id string) (principal.Principal, error) {
	return s.store.GetPrincipal(ctx, id)
}

// List returns all principals.
func (s *Service) List(ctx context.Context) ([]principal.Principal, error) {
	return s.store.ListPrincipals(ctx)
}

func newAPIKey() (key, hash string, err error) {
	key = "hm_" + uuid.NewString()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return key, string(h), nil
}
