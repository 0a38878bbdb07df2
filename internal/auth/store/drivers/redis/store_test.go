package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	authredis "github.com/aussiebroadwan/authcore/internal/auth/store/drivers/redis"
	"github.com/aussiebroadwan/authcore/internal/auth/store/storetest"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*authredis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := authredis.NewStore(rdb, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRefreshTokens(t *testing.T) {
	storetest.RefreshTokens(t, func(t *testing.T) store.RefreshTokens {
		s, _ := newTestStore(t)
		return s
	})
}

func TestKeysShareHashTag(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	tok := storetest.NewToken(t, domain.PrincipalMember, "42", "laptop")
	_, err := s.Save(ctx, tok)
	require.NoError(t, err)

	for _, k := range mr.Keys() {
		require.Contains(t, k, "{test}:")
	}
	require.True(t, mr.Exists("{test}:rt:"+tok.ID))
	require.True(t, mr.Exists("{test}:rth:"+tok.TokenHash))
}

func TestPurgeClearsIndexes(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	tok := storetest.NewToken(t, domain.PrincipalMember, "42", "laptop")
	tok.ExpiresAt = storetest.Base.Add(-time.Hour)
	_, err := s.Save(ctx, tok)
	require.NoError(t, err)

	n, err := s.PurgeExpired(ctx, storetest.Base)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.False(t, mr.Exists("{test}:rt:"+tok.ID))
	require.False(t, mr.Exists("{test}:rth:"+tok.TokenHash))
	require.False(t, mr.Exists("{test}:rtd:MEMBER:42:laptop"))

	_, err = s.FindByHash(ctx, tok.TokenHash)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRevokeAllDropsPurgedIds(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	tok := storetest.NewToken(t, domain.PrincipalClient, "c-1", "")
	_, err := s.Save(ctx, tok)
	require.NoError(t, err)

	// Simulate a record that vanished without the index being updated.
	mr.Del("{test}:rt:" + tok.ID)

	n, err := s.RevokeAllForPrincipal(ctx, domain.PrincipalClient, "c-1", storetest.Base, domain.RevokeAdmin)
	require.NoError(t, err)
	require.Zero(t, n)

	members, err := mr.Members("{test}:rtp:CLIENT:c-1")
	if err == nil {
		require.Empty(t, members)
	}
}

func TestUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.FindByHash(context.Background(), "x")
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrNotFound)
}
