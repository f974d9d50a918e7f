package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tokengate.org/internal/auth"
)

var _ auth.Directory = (*Directory)(nil)

// Directory stores accounts in the accounts table. The unique index on
// identity makes Create an atomic insert-if-absent.
type Directory struct {
	db  *sql.DB
	now func() time.Time
}

const accountColumns = `id, identity, secret_hash, roles, created_at, updated_at`

func (d *Directory) FindByIdentity(ctx context.Context, identity string) (*auth.Account, error) {
	row := d.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where identity=$1`, auth.NormalizeIdentity(identity))
	return scanAccount(row)
}

func (d *Directory) FindByID(ctx context.Context, id string) (*auth.Account, error) {
	row := d.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id)
	return scanAccount(row)
}

func (d *Directory) Create(ctx context.Context, identity, secretHash string, roles []string) (*auth.Account, error) {
	if len(roles) == 0 {
		roles = []string{auth.DefaultRole}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	acc := &auth.Account{
		ID:         uuid.NewString(),
		Identity:   auth.NormalizeIdentity(identity),
		SecretHash: secretHash,
		Roles:      append([]string(nil), roles...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = d.db.ExecContext(ctx,
		`insert into accounts(id, identity, secret_hash, roles, created_at, updated_at) values($1,$2,$3,$4,$5,$6)`,
		acc.ID, acc.Identity, acc.SecretHash, rolesJSON, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, auth.ErrDuplicateIdentity
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acc, nil
}

func (d *Directory) Touch(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `update accounts set updated_at=$2 where id=$1`, id, d.now().UTC())
	return err
}

func (d *Directory) List(ctx context.Context) ([]*auth.Account, error) {
	rows, err := d.db.QueryContext(ctx, `select `+accountColumns+` from accounts order by created_at asc, id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auth.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*auth.Account, error) {
	var (
		acc   auth.Account
		roles []byte
	)
	err := row.Scan(&acc.ID, &acc.Identity, &acc.SecretHash, &roles, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &acc.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	if acc.Roles == nil {
		acc.Roles = []string{}
	}
	return &acc, nil
}
