package pg

import (
	"context"
	"database/sql"
	"time"

	"tokengate.org/internal/auth"
)

var _ auth.RevocationStore = (*Revocations)(nil)

// Revocations keeps revoked tokens in revoked_tokens, keyed by auth.TokenDigest.
type Revocations struct {
	db *sql.DB
}

func (r *Revocations) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return auth.ErrInvalidInput
	}
	var evict sql.NullTime
	if at := auth.EvictAt(expiresAt); !at.IsZero() {
		evict = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	// a null evict_at means never; otherwise the later of the two wins
	_, err := r.db.ExecContext(ctx, `
		insert into revoked_tokens(token_hash, evict_at) values ($1, $2)
		on conflict (token_hash) do update
		set evict_at = case
			when revoked_tokens.evict_at is null or excluded.evict_at is null then null
			else greatest(revoked_tokens.evict_at, excluded.evict_at)
		end
	`, auth.TokenDigest(token), evict)
	return err
}

func (r *Revocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`select exists(select 1 from revoked_tokens where token_hash=$1)`, auth.TokenDigest(token)).Scan(&exists)
	return exists, err
}

func (r *Revocations) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`delete from revoked_tokens where evict_at is not null and evict_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
