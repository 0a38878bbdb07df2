package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
)

const refreshTokenColumns = `id, principal_type, principal_id, token_hash, device_id, origin_ip,
	user_agent, expires_at, revoked_at, revoke_reason, created_at`

type refreshTokensRepo struct {
	db *sql.DB
}

func (r *refreshTokensRepo) Save(ctx context.Context, t domain.RefreshToken) (string, error) {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		return saveRefreshToken(ctx, tx, t)
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// saveRefreshToken supersedes the live record for the same device (if any)
// and inserts t, inside the caller's transaction.
func saveRefreshToken(ctx context.Context, tx *sql.Tx, t domain.RefreshToken) error {
	if t.DeviceID != "" {
		_, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET revoked_at = ?, revoke_reason = ?
			 WHERE principal_type = ? AND principal_id = ? AND device_id = ? AND revoked_at IS NULL`,
			toMicros(t.CreatedAt), string(domain.RevokeSuperseded),
			string(t.PrincipalType), t.PrincipalID, t.DeviceID,
		)
		if err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		t.ID, string(t.PrincipalType), t.PrincipalID, t.TokenHash,
		mapStringNull(t.DeviceID), mapStringNull(t.OriginIP), mapStringNull(t.UserAgent),
		toMicros(t.ExpiresAt), toMicros(t.CreatedAt),
	)
	return mapUniqueViolation(err)
}

func (r *refreshTokensRepo) FindByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = ?`, hash)
	t, err := scanRefreshToken(row)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	return t, nil
}

func (r *refreshTokensRepo) Revoke(ctx context.Context, id string, now time.Time, reason domain.RevokeReason) (bool, error) {
	var changed bool
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		changed, err = revokeRefreshToken(ctx, tx, id, now, reason)
		return err
	})
	return changed, err
}

// revokeRefreshToken is the compare-and-swap on revoked_at. It reports
// whether the row changed, and ErrNotFound when there is no such row.
func revokeRefreshToken(ctx context.Context, tx *sql.Tx, id string, now time.Time, reason domain.RevokeReason) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?, revoke_reason = ?
		 WHERE id = ? AND revoked_at IS NULL`,
		toMicros(now), string(reason), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM refresh_tokens WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return false, mapNotFound(err)
	}
	return false, nil
}

func (r *refreshTokensRepo) Rotate(ctx context.Context, oldID string, now time.Time, next domain.RefreshToken) (string, error) {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
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
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?, revoke_reason = ?
		 WHERE principal_type = ? AND principal_id = ? AND revoked_at IS NULL`,
		toMicros(now), string(reason), string(pt), principalID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *refreshTokensRepo) ListLive(
	ctx context.Context,
	pt domain.PrincipalType,
	principalID string,
	now time.Time,
) ([]domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens
		 WHERE principal_type = ? AND principal_id = ? AND revoked_at IS NULL AND expires_at > ?
		 ORDER BY created_at, id`,
		string(pt), principalID, toMicros(now),
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
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < ?`, toMicros(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefreshToken(row rowScanner) (domain.RefreshToken, error) {
	var (
		t                         domain.RefreshToken
		pt                        string
		deviceID, originIP, agent sql.NullString
		reason                    sql.NullString
		expiresAt, createdAt      int64
		revokedAt                 sql.NullInt64
	)
	err := row.Scan(&t.ID, &pt, &t.PrincipalID, &t.TokenHash, &deviceID, &originIP,
		&agent, &expiresAt, &revokedAt, &reason, &createdAt)
	if err != nil {
		return domain.RefreshToken{}, err
	}

	t.PrincipalType = domain.PrincipalType(pt)
	t.DeviceID = mapNullString(deviceID)
	t.OriginIP = mapNullString(originIP)
	t.UserAgent = mapNullString(agent)
	t.ExpiresAt = fromMicros(expiresAt)
	t.RevokedAt = mapNullTimePtr(revokedAt)
	t.RevokeReason = domain.RevokeReason(mapNullString(reason))
	t.CreatedAt = fromMicros(createdAt)
	return t, nil
}
