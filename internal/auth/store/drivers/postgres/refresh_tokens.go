package postgres

import (
	"context"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const refreshTokenColumns = `id, principal_type, principal_id, token_hash, device_id, origin_ip,
	user_agent, expires_at, revoked_at, revoke_reason, created_at`

type refreshTokensRepo struct {
	pool *pgxpool.Pool
}

func (r *refreshTokensRepo) Save(ctx context.Context, t domain.RefreshToken) (string, error) {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return saveRefreshToken(ctx, tx, t)
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// saveRefreshToken supersedes the live record for the same device (if any)
// and inserts t. A concurrent save for the same device blocks on the partial
// unique index and then fails with ErrConflict.
func saveRefreshToken(ctx context.Context, tx pgx.Tx, t domain.RefreshToken) error {
	if t.DeviceID != "" {
		_, err := tx.Exec(ctx,
			`UPDATE refresh_tokens SET revoked_at = $1, revoke_reason = $2
			 WHERE principal_type = $3 AND principal_id = $4 AND device_id = $5 AND revoked_at IS NULL`,
			t.CreatedAt.UTC(), string(domain.RevokeSuperseded),
			string(t.PrincipalType), t.PrincipalID, t.DeviceID,
		)
		if err != nil {
			return err
		}
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL, $9)`,
		t.ID, string(t.PrincipalType), t.PrincipalID, t.TokenHash,
		nullable(t.DeviceID), nullable(t.OriginIP), nullable(t.UserAgent),
		t.ExpiresAt.UTC(), t.CreatedAt.UTC(),
	)
	return mapUniqueViolation(err)
}

func (r *refreshTokensRepo) FindByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, hash)
	t, err := scanRefreshToken(row)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	return t, nil
}

func (r *refreshTokensRepo) Revoke(ctx context.Context, id string, now time.Time, reason domain.RevokeReason) (bool, error) {
	var changed bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		changed, err = revokeRefreshToken(ctx, tx, id, now, reason)
		return err
	})
	return changed, err
}

// revokeRefreshToken is the compare-and-swap on revoked_at. A concurrent
// revoke waits on the row lock and then sees revoked_at set.
func revokeRefreshToken(ctx context.Context, tx pgx.Tx, id string, now time.Time, reason domain.RevokeReason) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1, revoke_reason = $2
		 WHERE id = $3 AND revoked_at IS NULL`,
		now.UTC(), string(reason), id,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM refresh_tokens WHERE id = $1`, id).Scan(&exists); err != nil {
		return false, mapNotFound(err)
	}
	return false, nil
}

func (r *refreshTokensRepo) Rotate(ctx context.Context, oldID string, now time.Time, next domain.RefreshToken) (string, error) {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		changed, err := revokeRefreshToken(ctx, tx, oldID, now, domain.RevokeRotated)
		if err != nil {
			return err
		}
		if !changed {
			return store.ErrAlreadyRevoked
		}
		return saveRefreshToken(ctx, tx, next)
	})
	if err != nil {
		return "", err
	}
	return next.ID, nil
}

func (r *refreshTokensRepo) RevokeAllForPrincipal(
	ctx context.Context,
	pt domain.PrincipalType,
	principalID string,
	now time.Time,
	reason domain.RevokeReason,
) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1, revoke_reason = $2
		 WHERE principal_type = $3 AND principal_id = $4 AND revoked_at IS NULL`,
		now.UTC(), string(reason), string(pt), principalID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *refreshTokensRepo) ListLive(
	ctx context.Context,
	pt domain.PrincipalType,
	principalID string,
	now time.Time,
) ([]domain.RefreshToken, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens
		 WHERE principal_type = $1 AND principal_id = $2 AND revoked_at IS NULL AND expires_at > $3
		 ORDER BY created_at, id`,
		string(pt), principalID, now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RefreshToken
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *refreshTokensRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRefreshToken(row pgx.Row) (domain.RefreshToken, error) {
	var (
		t                         domain.RefreshToken
		pt                        string
		deviceID, originIP, agent *string
		reason                    *string
		revokedAt                 *time.Time
	)
	err := row.Scan(&t.ID, &pt, &t.PrincipalID, &t.TokenHash, &deviceID, &originIP,
		&agent, &t.ExpiresAt, &revokedAt, &reason, &t.CreatedAt)
	if err != nil {
		return domain.RefreshToken{}, err
	}

	t.PrincipalType = domain.PrincipalType(pt)
	t.DeviceID = deref(deviceID)
	t.OriginIP = deref(originIP)
	t.UserAgent = deref(agent)
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	if revokedAt != nil {
		at := revokedAt.UTC()
		t.RevokedAt = &at
	}
	t.RevokeReason = domain.RevokeReason(deref(reason))
	return t, nil
}
