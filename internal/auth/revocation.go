package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"tokengate.org/internal/obs"
)

// RevocationGrace keeps an entry around for a while after the token itself
// expires so relying services with a skewed clock still see it as revoked.
const RevocationGrace = 10 * time.Minute

// RevocationStore records revoked bearer tokens.
//
// Revoke is idempotent. expiresAt is the token's own exp claim; a zero value
// means the expiry is unknown and the entry is never evicted. Prune drops
// entries whose eviction time (expiresAt plus RevocationGrace) is before now
// and returns how many were removed.
type RevocationStore interface {
	Revoke(ctx context.Context, token string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// EvictAt is the instant after which a revoked entry may be dropped. The zero
// time means never.
func EvictAt(expiresAt time.Time) time.Time {
	if expiresAt.IsZero() {
		return time.Time{}
	}
	return expiresAt.Add(RevocationGrace)
}

// TokenDigest is the key persistent stores file a token under, so raw bearer
// credentials never sit in a database.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var _ RevocationStore = (*MemoryRevocations)(nil)

// MemoryRevocations is a process-local revocation set.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryRevocations returns an empty set.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]time.Time)}
}

func (m *MemoryRevocations) Revoke(_ context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return ErrInvalidInput
	}
	evict := EvictAt(expiresAt)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[token]; ok {
		// keep the longest lifetime seen; zero (never) wins
		if prev.IsZero() || (!evict.IsZero() && prev.After(evict)) {
			return nil
		}
	}
	m.entries[token] = evict
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[token]
	return ok, nil
}

func (m *MemoryRevocations) Prune(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, evict := range m.entries {
		if !evict.IsZero() && evict.Before(now) {
			delete(m.entries, token)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of tracked entries.
func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RunJanitor prunes store every interval until ctx is done. A non-positive
// interval disables pruning.
func RunJanitor(ctx context.Context, store RevocationStore, interval time.Duration, now func() time.Time) {
	if interval <= 0 || store == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	log := obs.Logger().With().Str("component", "revocation_janitor").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx, now())
			if err != nil {
				log.Warn().Err(err).Msg("prune revocations")
				continue
			}
			obs.ObservePruned(n)
			if n > 0 {
				log.Debug().Int("removed", n).Msg("pruned revocations")
			}
		}
	}
}
