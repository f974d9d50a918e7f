package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tokengate.org/internal/obs"
)

// Service coordinates registration, authentication and revocation. It owns
// the error mapping: callers only ever see ErrIdentityAlreadyRegistered and
// ErrInvalidCredentials as business failures.
type Service struct {
	dir         Directory
	revocations RevocationStore
	issuer      *Issuer
	hasher      Hasher
	now         func() time.Time
	log         zerolog.Logger
	observers   []RevocationObserver

	decoyOnce sync.Once
	decoy     string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher replaces the default bcrypt hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is required")
		}
		s.hasher = h
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for credential outcomes.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// RevokedToken describes one successful revocation. Digest is always set; the
// claim fields are empty when the revoked string did not decode as a token.
type RevokedToken struct {
	Digest    string
	TokenID   string
	Subject   string
	RevokedAt time.Time
	ExpiresAt time.Time
}

// RevocationObserver is notified after a revocation has been recorded.
// Implementations must not block.
type RevocationObserver interface {
	TokenRevoked(RevokedToken)
}

// WithRevocationObserver registers o for revocation notifications.
func WithRevocationObserver(o RevocationObserver) ServiceOption {
	return func(s *Service) error {
		if o == nil {
			return errors.New("auth: observer is nil")
		}
		s.observers = append(s.observers, o)
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(dir Directory, revocations RevocationStore, issuer *Issuer, opts ...ServiceOption) (*Service, error) {
	if dir == nil {
		return nil, errors.New("auth: directory is required")
	}
	if revocations == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	if issuer == nil {
		return nil, errors.New("auth: issuer is required")
	}
	svc := &Service{
		dir:         dir,
		revocations: revocations,
		issuer:      issuer,
		hasher:      NewBcryptHasher(0),
		now:         time.Now,
		log:         obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.log = svc.log.With().Str("component", "auth").Logger()
	return svc, nil
}

// Issuer exposes the token issuer so relying code can decode claims.
func (s *Service) Issuer() *Issuer { return s.issuer }

// Register creates an account and returns a session for it. Roles default to
// DefaultRole when empty.
func (s *Service) Register(ctx context.Context, identity, secret string, roles []string) (Session, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" || secret == "" {
		obs.ObserveAuth("register", "invalid")
		return Session{}, ErrInvalidInput
	}

	// Fast path; the directory's Create is the real uniqueness guarantee.
	_, err := s.dir.FindByIdentity(ctx, identity)
	switch {
	case err == nil:
		obs.ObserveAuth("register", "duplicate")
		return Session{}, ErrIdentityAlreadyRegistered
	case !errors.Is(err, ErrAccountNotFound):
		obs.ObserveAuth("register", "error")
		return Session{}, fmt.Errorf("lookup identity: %w", err)
	}

	hash, err := s.hasher.Hash(secret)
	if err != nil {
		obs.ObserveAuth("register", "invalid")
		return Session{}, err
	}
	acc, err := s.dir.Create(ctx, identity, hash, roles)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			obs.ObserveAuth("register", "duplicate")
			return Session{}, ErrIdentityAlreadyRegistered
		}
		obs.ObserveAuth("register", "error")
		return Session{}, fmt.Errorf("create account: %w", err)
	}

	sess, err := s.session(acc)
	if err != nil {
		obs.ObserveAuth("register", "error")
		return Session{}, err
	}
	obs.ObserveAuth("register", "ok")
	s.log.Info().Str("account_id", acc.ID).Strs("roles", acc.Roles).Msg("account registered")
	return sess, nil
}

// Authenticate verifies identity and secret and issues a fresh token. Unknown
// identities and wrong secrets both yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, identity, secret string) (Session, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" || secret == "" {
		obs.ObserveAuth("authenticate", "rejected")
		return Session{}, ErrInvalidCredentials
	}

	acc, err := s.dir.FindByIdentity(ctx, identity)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			obs.ObserveAuth("authenticate", "error")
			return Session{}, fmt.Errorf("lookup identity: %w", err)
		}
		// burn a comparable amount of time so response latency does not
		// reveal whether the identity exists
		s.hasher.Verify(secret, s.decoyHash())
		obs.ObserveAuth("authenticate", "rejected")
		s.log.Debug().Str("reason", "unknown_identity").Msg("authentication rejected")
		return Session{}, ErrInvalidCredentials
	}
	if !s.hasher.Verify(secret, acc.SecretHash) {
		obs.ObserveAuth("authenticate", "rejected")
		s.log.Debug().Str("reason", "secret_mismatch").Str("account_id", acc.ID).Msg("authentication rejected")
		return Session{}, ErrInvalidCredentials
	}

	if err := s.dir.Touch(ctx, acc.ID); err != nil {
		s.log.Warn().Err(err).Str("account_id", acc.ID).Msg("touch account")
	}
	sess, err := s.session(acc)
	if err != nil {
		obs.ObserveAuth("authenticate", "error")
		return Session{}, err
	}
	obs.ObserveAuth("authenticate", "ok")
	return sess, nil
}

// Revoke marks token as no longer honorable. It does not check that the token
// was issued here; when the claims decode, the entry is kept until the token's
// own expiry plus RevocationGrace, otherwise forever.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		obs.ObserveAuth("revoke", "invalid")
		return ErrInvalidInput
	}
	evt := RevokedToken{Digest: TokenDigest(token), RevokedAt: s.now().UTC()}
	if claims, err := s.issuer.Decode(token); err == nil {
		evt.TokenID = claims.ID
		evt.Subject = claims.Subject
		if claims.ExpiresAt != nil {
			evt.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	if err := s.revocations.Revoke(ctx, token, evt.ExpiresAt); err != nil {
		obs.ObserveAuth("revoke", "error")
		return fmt.Errorf("revoke token: %w", err)
	}
	obs.ObserveAuth("revoke", "ok")
	for _, o := range s.observers {
		o.TokenRevoked(evt)
	}
	return nil
}

// IsRevoked reports whether token has been revoked.
func (s *Service) IsRevoked(ctx context.Context, token string) (bool, error) {
	return s.revocations.IsRevoked(ctx, token)
}

// VerifyToken validates token with the issuer and rejects revoked tokens.
func (s *Service) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		obs.ObserveAuth("verify", "invalid")
		return nil, err
	}
	revoked, err := s.revocations.IsRevoked(ctx, token)
	if err != nil {
		obs.ObserveAuth("verify", "error")
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		obs.ObserveAuth("verify", "revoked")
		return nil, ErrTokenRevoked
	}
	obs.ObserveAuth("verify", "ok")
	return claims, nil
}

// Account returns the redacted view of the account with id.
func (s *Service) Account(ctx context.Context, id string) (PublicAccount, error) {
	acc, err := s.dir.FindByID(ctx, id)
	if err != nil {
		return PublicAccount{}, err
	}
	return acc.Public(), nil
}

// Accounts lists every account, redacted.
func (s *Service) Accounts(ctx context.Context) ([]PublicAccount, error) {
	list, err := s.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PublicAccount, 0, len(list))
	for _, acc := range list {
		out = append(out, acc.Public())
	}
	return out, nil
}

// Prune drops revocation entries that are past eviction.
func (s *Service) Prune(ctx context.Context) (int, error) {
	return s.revocations.Prune(ctx, s.now())
}

func (s *Service) session(acc *Account) (Session, error) {
	issued, err := s.issuer.Issue(acc.ID, acc.Identity, acc.Roles)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		Account:   acc.Public(),
	}, nil
}

func (s *Service) decoyHash() string {
	s.decoyOnce.Do(func() {
		h, err := s.hasher.Hash("decoy-secret-never-matches")
		if err == nil {
			s.decoy = h
		}
	})
	return s.decoy
}
