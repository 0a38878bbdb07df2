package service

import (
	"context"
	"sync"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
)

// CredentialStore looks up principals. It is owned by the wider platform;
// the refresh lifecycle only needs to know whether a principal exists and
// is active. Unknown principals return store.ErrNotFound.
type CredentialStore interface {
	Principal(ctx context.Context, pt domain.PrincipalType, id string) (domain.Principal, error)
}

// MemoryCredentials is an in-memory CredentialStore for tests and for
// running the daemon standalone.
type MemoryCredentials struct {
	mu         sync.RWMutex
	principals map[principalKey]domain.Principal

	// AllowUnknown treats principals that were never Put as active.
	AllowUnknown bool
}

type principalKey struct {
	pt domain.PrincipalType
	id string
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{principals: make(map[principalKey]domain.Principal)}
}

// Put adds or replaces a principal.
func (m *MemoryCredentials) Put(p domain.Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.principals[principalKey{p.Type, p.ID}] = p
}

// SetActive flips a known principal's active flag.
func (m *MemoryCredentials) SetActive(pt domain.PrincipalType, id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := principalKey{pt, id}
	p, ok := m.principals[k]
	if !ok {
		p = domain.Principal{Type: pt, ID: id}
	}
	p.Active = active
	m.principals[k] = p
}

func (m *MemoryCredentials) Principal(_ context.Context, pt domain.PrincipalType, id string) (domain.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.principals[principalKey{pt, id}]
	if ok {
		return p, nil
	}
	if m.AllowUnknown {
		return domain.Principal{Type: pt, ID: id, Active: true}, nil
	}
	return domain.Principal{}, store.ErrNotFound
}
