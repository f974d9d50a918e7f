package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tokengate.org/internal/ids"
)

// Token lifetimes per environment. Development tokens live long so local work
// is not interrupted by re-authentication.
const (
	DevelopmentTTL = 30 * 24 * time.Hour
	ProductionTTL  = 24 * time.Hour
)

const clockSkew = 5 * time.Second

// Claims is the payload carried by every issued token.
type Claims struct {
	Identity string   `json:"identity"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// IssuedToken is a freshly minted bearer token together with its claims.
type IssuedToken struct {
	Token     string
	Claims    Claims
	ExpiresAt time.Time
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// Environment selects the default TTL: "production" (or "prod") gets
	// ProductionTTL, anything else DevelopmentTTL.
	Environment string
	// TTL overrides the environment default when positive.
	TTL time.Duration
	// Issuer populates the iss claim when set.
	Issuer string
	// SigningKey enables HS256. Without it tokens are emitted with alg "none"
	// and an empty third segment, so anyone can forge them.
	SigningKey []byte
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Issuer mints and decodes bearer tokens.
type Issuer struct {
	ttl    time.Duration
	issuer string
	key    []byte
	now    func() time.Time
}

// IsProduction reports whether env names a production deployment.
func IsProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return true
	}
	return false
}

// TTLForEnvironment returns the default token lifetime for env.
func TTLForEnvironment(env string) time.Duration {
	if IsProduction(env) {
		return ProductionTTL
	}
	return DevelopmentTTL
}

// NewIssuer builds an Issuer from cfg.
func NewIssuer(cfg IssuerConfig) *Issuer {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = TTLForEnvironment(cfg.Environment)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	var key []byte
	if len(cfg.SigningKey) > 0 {
		key = append([]byte(nil), cfg.SigningKey...)
	}
	return &Issuer{
		ttl:    ttl,
		issuer: strings.TrimSpace(cfg.Issuer),
		key:    key,
		now:    now,
	}
}

// TTL is the lifetime given to every token.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Signed reports whether tokens carry an HS256 integrity tag.
func (i *Issuer) Signed() bool { return len(i.key) > 0 }

// Issue mints a token for the given subject. Roles are copied as given; an
// empty set yields an empty roles array.
func (i *Issuer) Issue(subjectID, identity string, roles []string) (IssuedToken, error) {
	now := i.now()
	claims := Claims{
		Identity: identity,
		Roles:    cloneRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        ids.NewAt(now),
		},
	}

	var (
		signed string
		err    error
	)
	if i.Signed() {
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(i.key)
	} else {
		signed, err = jwt.NewWithClaims(jwt.SigningMethodNone, &claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	}
	if err != nil {
		return IssuedToken{}, fmt.Errorf("encode token: %w", err)
	}
	return IssuedToken{
		Token:     signed,
		Claims:    claims,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Decode reads the claims segment without checking integrity or expiry. This is
// what a relying service does before consulting the revocation registry.
func (i *Issuer) Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// Verify checks the algorithm, the integrity tag when signing is enabled, and
// the validity window against the issuer clock.
func (i *Issuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(i.now),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	var keyFunc jwt.Keyfunc
	if i.Signed() {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		keyFunc = func(*jwt.Token) (any, error) { return i.key, nil }
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodNone.Alg()}))
		keyFunc = func(*jwt.Token) (any, error) { return jwt.UnsafeAllowNoneSignatureType, nil }
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrMalformedToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
