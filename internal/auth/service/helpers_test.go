package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/keystore"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	"github.com/aussiebroadwan/authcore/pkg/slogx"
	"github.com/stretchr/testify/require"
)

var june15 = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

// clock is a settable virtual clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memAuditor records entries synchronously.
type memAuditor struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAuditor) Record(_ context.Context, action domain.AuditAction, actor, target domain.AuditRef, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		Action:   action,
		Actor:    actor,
		Target:   target,
		Metadata: metadata,
	})
}

func (a *memAuditor) byAction(action domain.AuditAction) []domain.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func newTestKeystore(t *testing.T) *keystore.Keystore {
	t.Helper()
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)
	return ks
}

func putKey(t *testing.T, keys store.KeyPairs, kid string) {
	t.Helper()
	priv, err := cryptox.GenerateKey(cryptox.AlgEdDSA, 0)
	require.NoError(t, err)
	require.NoError(t, keys.Put(context.Background(), domain.KeyPair{
		KeyID:      kid,
		Algorithm:  cryptox.AlgEdDSA,
		PublicKey:  priv.Public(),
		PrivateKey: priv,
	}))
}

func newTestRotation(t *testing.T, keys store.KeyPairs, clk *clock, audit Auditor) *KeyRotationService {
	t.Helper()
	return &KeyRotationService{
		Keys:         keys,
		Audit:        audit,
		Logger:       slogx.Discard(),
		Algorithm:    cryptox.AlgEdDSA,
		GracePeriods: domain.DefaultGracePeriods,
		Now:          clk.Now,
	}
}

func newTestSQLite(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(sqlite.DSN(filepath.Join(t.TempDir(), "auth.db")))
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type refreshRig struct {
	svc   *RefreshService
	store *sqlite.Store
	creds *MemoryCredentials
	audit *memAuditor
	clock *clock
}

func newRefreshRig(t *testing.T) *refreshRig {
	t.Helper()

	rig := &refreshRig{
		store: newTestSQLite(t),
		creds: NewMemoryCredentials(),
		audit: &memAuditor{},
		clock: newClock(june15),
	}
	rig.creds.Put(domain.Principal{Type: domain.PrincipalMember, ID: "42", Active: true})
	rig.creds.Put(domain.Principal{Type: domain.PrincipalClient, ID: "c-7", Active: true})

	rig.svc = &RefreshService{
		Tokens:      rig.store.RefreshTokens(),
		Credentials: rig.creds,
		Audit:       rig.audit,
		Logger:      slogx.Discard(),
		TTL:         24 * time.Hour,
		Now:         rig.clock.Now,
	}
	return rig
}

func (r *refreshRig) issue(t *testing.T, device string) string {
	t.Helper()
	raw, err := r.svc.Issue(context.Background(), IssueRequest{
		PrincipalType: domain.PrincipalMember,
		PrincipalID:   "42",
		DeviceID:      device,
	})
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	return raw
}
