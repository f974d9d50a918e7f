// Package redis stores revoked tokens in Redis, letting key expiry do the
// eviction that the SQL store leaves to the janitor.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tokengate.org/internal/auth"
)

// DefaultPrefix namespaces revocation keys.
const DefaultPrefix = "tokengate:revoked:"

// minTTL keeps entries for tokens that are already past eviction visible
// for a moment after Revoke returns.
const minTTL = time.Second

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

var _ auth.RevocationStore = (*Revocations)(nil)

// Revocations implements auth.RevocationStore on Redis strings.
type Revocations struct {
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Revocations, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	r := New(rdb, cfg.Prefix)
	if err := r.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an existing client. An empty prefix means DefaultPrefix.
func New(rdb goredis.UniversalClient, prefix string) *Revocations {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Revocations{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *Revocations) key(token string) string {
	return r.prefix + auth.TokenDigest(token)
}

// Ping verifies the Redis connection is alive.
func (r *Revocations) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Revocations) Close() error { return r.rdb.Close() }

// revokeScript records a revocation without ever shortening an existing
// entry. ARGV[2] is the TTL in milliseconds; 0 makes the entry permanent.
// PTTL is -1 for a permanent key and -2 for a missing one.
var revokeScript = goredis.NewScript(`
local ttl = tonumber(ARGV[2])
if ttl == 0 then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
local current = redis.call('PTTL', KEYS[1])
if current == -1 or current >= ttl then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func (r *Revocations) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return auth.ErrInvalidInput
	}
	var ttl time.Duration
	if evict := auth.EvictAt(expiresAt); !evict.IsZero() {
		ttl = evict.Sub(r.now())
		if ttl < minTTL {
			ttl = minTTL
		}
	}
	err := revokeScript.Run(ctx, r.rdb, []string{r.key(token)}, r.now().UTC().Unix(), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

func (r *Revocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := r.rdb.Exists(ctx, r.key(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Prune is a no-op: Redis expires keys on its own.
func (r *Revocations) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}
