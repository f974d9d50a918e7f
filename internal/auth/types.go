package auth

import (
	"strings"
	"time"
)

// DefaultRole is assigned to accounts registered without explicit roles.
const DefaultRole = "user"

// Account is a registered identity as held by a Directory.
type Account struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity"`
	SecretHash string    `json:"-"`
	Roles      []string  `json:"roles"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Public returns the redacted view of the account.
func (a *Account) Public() PublicAccount {
	return PublicAccount{
		ID:       a.ID,
		Identity: a.Identity,
		Roles:    cloneRoles(a.Roles),
	}
}

func (a *Account) clone() *Account {
	cp := *a
	cp.Roles = cloneRoles(a.Roles)
	return &cp
}

// PublicAccount is safe to hand to callers: it never carries the secret hash.
type PublicAccount struct {
	ID       string   `json:"id"`
	Identity string   `json:"identity"`
	Roles    []string `json:"roles"`
}

// Session is the result of a successful register or authenticate call.
type Session struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	Account   PublicAccount `json:"account"`
}

// NormalizeIdentity is the single rule used for identity comparison and storage.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// defaultRoles returns roles verbatim when non-empty, the baseline set otherwise.
func defaultRoles(roles []string) []string {
	if len(roles) == 0 {
		return []string{DefaultRole}
	}
	return cloneRoles(roles)
}

func cloneRoles(roles []string) []string {
	out := make([]string, len(roles))
	copy(out, roles)
	return out
}
