package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directory stores accounts keyed by id and by normalized identity.
//
// Create must be an atomic insert-if-absent on the normalized identity and
// report ErrDuplicateIdentity when it loses; lookups report ErrAccountNotFound.
type Directory interface {
	FindByIdentity(ctx context.Context, identity string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, identity, secretHash string, roles []string) (*Account, error)
	Touch(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Account, error)
}

var _ Directory = (*MemoryDirectory)(nil)

// MemoryDirectory keeps accounts in process memory.
type MemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*Account
	byIdentity map[string]string
	now        func() time.Time
}

// NewMemoryDirectory returns an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:       make(map[string]*Account),
		byIdentity: make(map[string]string),
		now:        time.Now,
	}
}

func (d *MemoryDirectory) FindByIdentity(_ context.Context, identity string) (*Account, error) {
	key := NormalizeIdentity(identity)
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byIdentity[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return d.byID[id].clone(), nil
}

func (d *MemoryDirectory) FindByID(_ context.Context, id string) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.clone(), nil
}

func (d *MemoryDirectory) Create(_ context.Context, identity, secretHash string, roles []string) (*Account, error) {
	key := NormalizeIdentity(identity)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byIdentity[key]; exists {
		return nil, ErrDuplicateIdentity
	}
	now := d.now().UTC()
	acc := &Account{
		ID:         uuid.NewString(),
		Identity:   key,
		SecretHash: secretHash,
		Roles:      defaultRoles(roles),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.byID[acc.ID] = acc
	d.byIdentity[key] = acc.ID
	return acc.clone(), nil
}

func (d *MemoryDirectory) Touch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if acc, ok := d.byID[id]; ok {
		acc.UpdatedAt = d.now().UTC()
	}
	return nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Account, 0, len(d.byID))
	for _, acc := range d.byID {
		out = append(out, acc.clone())
	}
	return out, nil
}
