package auth

import "errors"

// Business errors surfaced by Service.
var (
	ErrIdentityAlreadyRegistered = errors.New("auth: identity already registered")
	ErrInvalidCredentials        = errors.New("auth: invalid credentials")
)

// Supporting errors. Storage implementations return ErrAccountNotFound and
// ErrDuplicateIdentity; only Service turns them into business errors.
var (
	ErrAccountNotFound   = errors.New("auth: account not found")
	ErrDuplicateIdentity = errors.New("auth: duplicate identity")
	ErrInvalidInput      = errors.New("auth: invalid input")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrMalformedToken    = errors.New("auth: malformed token")
	ErrTokenRevoked      = errors.New("auth: token revoked")
	ErrForbidden         = errors.New("auth: forbidden")
)
