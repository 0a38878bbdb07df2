// Package redis keeps refresh token records in Redis. Multi-key writes run
// as Lua scripts so each store operation is atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces keys when none is configured.
const DefaultPrefix = "authcore"

// Store implements store.RefreshTokens on Redis.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ store.RefreshTokens = (*Store)(nil)

// NewStore wraps rdb. Keys are written under "{prefix}:".
func NewStore(rdb goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: "{" + prefix + "}:"}
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) recPrefix() string       { return s.prefix + "rt:" }
func (s *Store) hashPrefix() string      { return s.prefix + "rth:" }
func (s *Store) principalPrefix() string { return s.prefix + "rtp:" }
func (s *Store) devicePrefix() string    { return s.prefix + "rtd:" }
func (s *Store) expiryKey() string       { return s.prefix + "rtexp" }

func (s *Store) recKey(id string) string    { return s.recPrefix() + id }
func (s *Store) hashKey(hash string) string { return s.hashPrefix() + hash }
func (s *Store) principalKey(pt domain.PrincipalType, pid string) string {
	return s.principalPrefix() + string(pt) + ":" + pid
}
func (s *Store) deviceKey(pt domain.PrincipalType, pid, device string) string {
	return s.devicePrefix() + string(pt) + ":" + pid + ":" + device
}

func (s *Store) saveKeys(t domain.RefreshToken) []string {
	return []string{
		s.recKey(t.ID),
		s.hashKey(t.TokenHash),
		s.principalKey(t.PrincipalType, t.PrincipalID),
		s.deviceKey(t.PrincipalType, t.PrincipalID, t.DeviceID),
		s.expiryKey(),
	}
}

func saveArgs(t domain.RefreshToken) []any {
	return []any{
		t.ID, string(t.PrincipalType), t.PrincipalID, t.TokenHash, t.DeviceID,
		t.OriginIP, t.UserAgent, micros(t.ExpiresAt), micros(t.CreatedAt),
	}
}

func (s *Store) Save(ctx context.Context, t domain.RefreshToken) (string, error) {
	args := append([]any{s.recPrefix()}, saveArgs(t)...)
	res, err := saveLua.Run(ctx, s.rdb, s.saveKeys(t), args...).Int64()
	if err != nil {
		return "", fmt.Errorf("redis: save: %w", err)
	}
	if res == 0 {
		return "", store.ErrAlreadyExists
	}
	return t.ID, nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	id, err := s.rdb.Get(ctx, s.hashKey(hash)).Result()
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (domain.RefreshToken, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recKey(id)).Result()
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("redis: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return domain.RefreshToken{}, store.ErrNotFound
	}
	return decodeRecord(fields)
}

func (s *Store) Revoke(ctx context.Context, id string, now time.Time, reason domain.RevokeReason) (bool, error) {
	res, err := revokeLua.Run(ctx, s.rdb, []string{s.recKey(id)}, micros(now), string(reason)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: revoke: %w", err)
	}
	switch res {
	case -1:
		return false, store.ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Store) Rotate(ctx context.Context, oldID string, now time.Time, next domain.RefreshToken) (string, error) {
	keys := append([]string{s.recKey(oldID)}, s.saveKeys(next)...)
	args := append([]any{s.recPrefix(), micros(now)}, saveArgs(next)...)

	res, err := rotateLua.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return "", fmt.Errorf("redis: rotate: %w", err)
	}
	switch res {
	case -1:
		return "", store.ErrNotFound
	case -2:
		return "", store.ErrAlreadyRevoked
	case 0:
		return "", store.ErrAlreadyExists
	default:
		return next.ID, nil
	}
}

func (s *Store) RevokeAllForPrincipal(
	ctx context.Context,
	pt domain.PrincipalType,
	principalID string,
	now time.Time,
	reason domain.RevokeReason,
) (int64, error) {
	n, err := revokeAllLua.Run(ctx, s.rdb,
		[]string{s.principalKey(pt, principalID)},
		s.recPrefix(), micros(now), string(reason),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: revoke all: %w", err)
	}
	return n, nil
}

func (s *Store) ListLive(
	ctx context.Context,
	pt domain.PrincipalType,
	principalID string,
	now time.Time,
) ([]domain.RefreshToken, error) {
	ids, err := s.rdb.SMembers(ctx, s.principalKey(pt, principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis: list: %w", err)
		}
	}

	var out []domain.RefreshToken
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // purged between SMEMBERS and HGETALL
		}
		t, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		if t.IsLive(now) {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := purgeLua.Run(ctx, s.rdb, []string{s.expiryKey()},
		micros(before), s.recPrefix(), s.hashPrefix(), s.principalPrefix(), s.devicePrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: purge: %w", err)
	}
	return n, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, goredis.Nil) {
		return store.ErrNotFound
	}
	return err
}

func micros(t time.Time) string { return strconv.FormatInt(t.UTC().UnixMicro(), 10) }

func parseMicros(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(v).UTC(), nil
}

func decodeRecord(f map[string]string) (domain.RefreshToken, error) {
	t := domain.RefreshToken{
		ID:            f["id"],
		PrincipalType: domain.PrincipalType(f["ptype"]),
		PrincipalID:   f["pid"],
		TokenHash:     f["hash"],
		DeviceID:      f["device"],
		OriginIP:      f["ip"],
		UserAgent:     f["ua"],
		RevokeReason:  domain.RevokeReason(f["reason"]),
	}

	var err error
	if t.ExpiresAt, err = parseMicros(f["exp"]); err != nil {
		return domain.RefreshToken{}, fmt.Errorf("redis: record %s: exp: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseMicros(f["created"]); err != nil {
		return domain.RefreshToken{}, fmt.Errorf("redis: record %s: created: %w", t.ID, err)
	}
	if rev := f["rev"]; rev != "" {
		at, err := parseMicros(rev)
		if err != nil {
			return domain.RefreshToken{}, fmt.Errorf("redis: record %s: rev: %w", t.ID, err)
		}
		t.RevokedAt = &at
	}
	return t, nil
}
