// Package storetest holds the behavioural suites every store driver must
// pass. Driver tests call them with a constructor for an empty repository.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	"github.com/aussiebroadwan/authcore/pkg/idx"
	"github.com/stretchr/testify/require"
)

// Base is the fixed clock the suites run at. It has no sub-microsecond part
// so every driver round-trips it exactly.
var Base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// NewToken builds a live record for a principal, created at Base.
func NewToken(t *testing.T, pt domain.PrincipalType, principalID, deviceID string) domain.RefreshToken {
	t.Helper()
	raw, err := cryptox.NewSecret()
	require.NoError(t, err)

	return domain.RefreshToken{
		ID:            idx.NewAt(Base).String(),
		PrincipalType: pt,
		PrincipalID:   principalID,
		TokenHash:     cryptox.FingerprintToken(raw),
		DeviceID:      deviceID,
		OriginIP:      "203.0.113.7",
		UserAgent:     "storetest/1.0",
		ExpiresAt:     Base.Add(30 * 24 * time.Hour),
		CreatedAt:     Base,
	}
}

// RefreshTokens runs the store.RefreshTokens suite.
func RefreshTokens(t *testing.T, newRepo func(t *testing.T) store.RefreshTokens) {
	ctx := context.Background()

	t.Run("save and find by hash", func(t *testing.T) {
		repo := newRepo(t)
		tok := NewToken(t, domain.PrincipalMember, "42", "laptop")

		id, err := repo.Save(ctx, tok)
		require.NoError(t, err)
		require.Equal(t, tok.ID, id)

		got, err := repo.FindByHash(ctx, tok.TokenHash)
		require.NoError(t, err)
		require.Equal(t, tok, got)
		require.True(t, got.IsLive(Base))
	})

	t.Run("find missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.FindByHash(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate hash", func(t *testing.T) {
		repo := newRepo(t)
		tok := NewToken(t, domain.PrincipalMember, "42", "")
		_, err := repo.Save(ctx, tok)
		require.NoError(t, err)

		dup := NewToken(t, domain.PrincipalMember, "43", "")
		dup.TokenHash = tok.TokenHash
		_, err = repo.Save(ctx, dup)
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("same device supersedes", func(t *testing.T) {
		repo := newRepo(t)
		first := NewToken(t, domain.PrincipalMember, "42", "laptop")
		second := NewToken(t, domain.PrincipalMember, "42", "laptop")
		second.CreatedAt = Base.Add(time.Minute)
		phone := NewToken(t, domain.PrincipalMember, "42", "phone")
		other := NewToken(t, domain.PrincipalClient, "42", "laptop")

		for _, tok := range []domain.RefreshToken{first, phone, other, second} {
			_, err := repo.Save(ctx, tok)
			require.NoError(t, err)
		}

		got, err := repo.FindByHash(ctx, first.TokenHash)
		require.NoError(t, err)
		require.True(t, got.IsRevoked())
		require.Equal(t, domain.RevokeSuperseded, got.RevokeReason)

		live, err := repo.ListLive(ctx, domain.PrincipalMember, "42", Base)
		require.NoError(t, err)
		require.Equal(t, []string{phone.ID, second.ID}, ids(live))

		// Different principal type on the same device id is untouched.
		got, err = repo.FindByHash(ctx, other.TokenHash)
		require.NoError(t, err)
		require.False(t, got.IsRevoked())
	})

	t.Run("no device means independent sessions", func(t *testing.T) {
		repo := newRepo(t)
		a := NewToken(t, domain.PrincipalClient, "c-1", "")
		b := NewToken(t, domain.PrincipalClient, "c-1", "")
		for _, tok := range []domain.RefreshToken{a, b} {
			_, err := repo.Save(ctx, tok)
			require.NoError(t, err)
		}

		live, err := repo.ListLive(ctx, domain.PrincipalClient, "c-1", Base)
		require.NoError(t, err)
		require.Len(t, live, 2)
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		tok := NewToken(t, domain.PrincipalMember, "42", "")
		_, err := repo.Save(ctx, tok)
		require.NoError(t, err)

		first := Base.Add(time.Hour)
		changed, err := repo.Revoke(ctx, tok.ID, first, domain.RevokeLogout)
		require.NoError(t, err)
		require.True(t, changed)

		changed, err = repo.Revoke(ctx, tok.ID, first.Add(time.Hour), domain.RevokeAdmin)
		require.NoError(t, err)
		require.False(t, changed)

		got, err := repo.FindByHash(ctx, tok.TokenHash)
		require.NoError(t, err)
		require.NotNil(t, got.RevokedAt)
		require.Equal(t, first, *got.RevokedAt)
		require.Equal(t, domain.RevokeLogout, got.RevokeReason)

		_, err = repo.Revoke(ctx, idx.New().String(), first, domain.RevokeLogout)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rotate", func(t *testing.T) {
		repo := newRepo(t)
		old := NewToken(t, domain.PrincipalMember, "42", "laptop")
		_, err := repo.Save(ctx, old)
		require.NoError(t, err)

		now := Base.Add(time.Hour)
		next := NewToken(t, domain.PrincipalMember, "42", "laptop")
		next.CreatedAt = now

		id, err := repo.Rotate(ctx, old.ID, now, next)
		require.NoError(t, err)
		require.Equal(t, next.ID, id)

		got, err := repo.FindByHash(ctx, old.TokenHash)
		require.NoError(t, err)
		require.Equal(t, domain.RevokeRotated, got.RevokeReason)
		require.Equal(t, now, *got.RevokedAt)

		got, err = repo.FindByHash(ctx, next.TokenHash)
		require.NoError(t, err)
		require.True(t, got.IsLive(now))

		// Spending the old record again loses the compare-and-swap and
		// must not insert anything.
		again := NewToken(t, domain.PrincipalMember, "42", "laptop")
		_, err = repo.Rotate(ctx, old.ID, now, again)
		require.ErrorIs(t, err, store.ErrAlreadyRevoked)
		_, err = repo.FindByHash(ctx, again.TokenHash)
		require.ErrorIs(t, err, store.ErrNotFound)

		_, err = repo.Rotate(ctx, idx.New().String(), now, NewToken(t, domain.PrincipalMember, "42", ""))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent rotate has one winner", func(t *testing.T) {
		repo := newRepo(t)
		old := NewToken(t, domain.PrincipalMember, "42", "laptop")
		_, err := repo.Save(ctx, old)
		require.NoError(t, err)

		const n = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			losses int
		)
		for i := 0; i < n; i++ {
			next := NewToken(t, domain.PrincipalMember, "42", "laptop")
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Rotate(ctx, old.ID, Base.Add(time.Minute), next)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, store.ErrAlreadyRevoked):
					losses++
				default:
					t.Errorf("unexpected rotate error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, wins)
		require.Equal(t, n-1, losses)

		live, err := repo.ListLive(ctx, domain.PrincipalMember, "42", Base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, live, 1)
	})

	t.Run("revoke all for principal", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 3; i++ {
			_, err := repo.Save(ctx, NewToken(t, domain.PrincipalMember, "42", fmt.Sprintf("dev-%d", i)))
			require.NoError(t, err)
		}
		bystander := NewToken(t, domain.PrincipalMember, "7", "")
		_, err := repo.Save(ctx, bystander)
		require.NoError(t, err)

		n, err := repo.RevokeAllForPrincipal(ctx, domain.PrincipalMember, "42", Base, domain.RevokeReuse)
		require.NoError(t, err)
		require.EqualValues(t, 3, n)

		n, err = repo.RevokeAllForPrincipal(ctx, domain.PrincipalMember, "42", Base, domain.RevokeReuse)
		require.NoError(t, err)
		require.EqualValues(t, 0, n)

		live, err := repo.ListLive(ctx, domain.PrincipalMember, "7", Base)
		require.NoError(t, err)
		require.Len(t, live, 1)
	})

	t.Run("list live skips expired and revoked", func(t *testing.T) {
		repo := newRepo(t)
		live := NewToken(t, domain.PrincipalMember, "42", "")
		expired := NewToken(t, domain.PrincipalMember, "42", "")
		expired.ExpiresAt = Base.Add(-time.Second)
		revoked := NewToken(t, domain.PrincipalMember, "42", "")

		for _, tok := range []domain.RefreshToken{live, expired, revoked} {
			_, err := repo.Save(ctx, tok)
			require.NoError(t, err)
		}
		_, err := repo.Revoke(ctx, revoked.ID, Base, domain.RevokeLogout)
		require.NoError(t, err)

		got, err := repo.ListLive(ctx, domain.PrincipalMember, "42", Base)
		require.NoError(t, err)
		require.Equal(t, []string{live.ID}, ids(got))
	})

	t.Run("purge expired", func(t *testing.T) {
		repo := newRepo(t)
		keep := NewToken(t, domain.PrincipalMember, "42", "")
		gone := NewToken(t, domain.PrincipalMember, "42", "")
		gone.ExpiresAt = Base.Add(-48 * time.Hour)

		for _, tok := range []domain.RefreshToken{keep, gone} {
			_, err := repo.Save(ctx, tok)
			require.NoError(t, err)
		}

		n, err := repo.PurgeExpired(ctx, Base.Add(-24*time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		_, err = repo.FindByHash(ctx, gone.TokenHash)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = repo.FindByHash(ctx, keep.TokenHash)
		require.NoError(t, err)
	})
}

// AuditLog runs the store.AuditLog suite.
func AuditLog(t *testing.T, newRepo func(t *testing.T) store.AuditLog) {
	ctx := context.Background()

	entry := func(i int, action domain.AuditAction, actor domain.AuditRef) domain.AuditEntry {
		return domain.AuditEntry{
			ID:        fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
			Actor:     actor,
			Action:    action,
			Target:    domain.AuditRef{Type: domain.SubjectRefreshToken, ID: fmt.Sprintf("tok-%d", i)},
			Metadata:  map[string]any{"device_id": "laptop", "revoked_count": float64(i)},
			CreatedAt: Base.Add(time.Duration(i) * time.Minute),
		}
	}
	member := domain.PrincipalRef(domain.PrincipalMember, "42")
	system := domain.AuditRef{Type: domain.SubjectSystem}

	t.Run("append and list newest first", func(t *testing.T) {
		repo := newRepo(t)
		for i := 1; i <= 3; i++ {
			require.NoError(t, repo.Append(ctx, entry(i, domain.ActionTokenIssued, member)))
		}

		got, err := repo.List(ctx, domain.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, entry(3, domain.ActionTokenIssued, member), got[0])
		require.Equal(t, "tok-1", got[2].Target.ID)
	})

	t.Run("filters", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Append(ctx, entry(1, domain.ActionTokenIssued, member)))
		require.NoError(t, repo.Append(ctx, entry(2, domain.ActionTokenReuseDetected, member)))
		require.NoError(t, repo.Append(ctx, entry(3, domain.ActionKeyGenerated, system)))

		got, err := repo.List(ctx, domain.AuditFilter{Action: domain.ActionTokenReuseDetected})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "tok-2", got[0].Target.ID)

		got, err = repo.List(ctx, domain.AuditFilter{Actor: member})
		require.NoError(t, err)
		require.Len(t, got, 2)

		got, err = repo.List(ctx, domain.AuditFilter{Target: domain.AuditRef{Type: domain.SubjectRefreshToken, ID: "tok-3"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, system, got[0].Actor)

		got, err = repo.List(ctx, domain.AuditFilter{Since: Base.Add(2 * time.Minute), Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "tok-3", got[0].Target.ID)

		got, err = repo.List(ctx, domain.AuditFilter{Until: Base.Add(2 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("empty metadata and refs", func(t *testing.T) {
		repo := newRepo(t)
		e := domain.AuditEntry{
			ID:        "00000000-0000-4000-8000-000000000099",
			Action:    domain.ActionKeyGenerated,
			CreatedAt: Base,
		}
		require.NoError(t, repo.Append(ctx, e))

		got, err := repo.List(ctx, domain.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.True(t, got[0].Actor.IsZero())
		require.True(t, got[0].Target.IsZero())
		require.Empty(t, got[0].Metadata)
	})

	t.Run("purge before", func(t *testing.T) {
		repo := newRepo(t)
		for i := 1; i <= 4; i++ {
			require.NoError(t, repo.Append(ctx, entry(i, domain.ActionTokenRevoked, member)))
		}

		n, err := repo.PurgeBefore(ctx, Base.Add(3*time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		got, err := repo.List(ctx, domain.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})
}

func ids(tokens []domain.RefreshToken) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.ID)
	}
	return out
}
