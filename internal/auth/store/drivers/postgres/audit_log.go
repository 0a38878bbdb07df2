package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

type auditLogRepo struct {
	pool *pgxpool.Pool
}

func (r *auditLogRepo) Append(ctx context.Context, e domain.AuditEntry) error {
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshalling audit metadata: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_log (id, actor_type, actor_id, action, target_type, target_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID,
		nullable(e.Actor.Type), nullable(e.Actor.ID),
		string(e.Action),
		nullable(e.Target.Type), nullable(e.Target.ID),
		metadata, e.CreatedAt.UTC(),
	)
	return mapUniqueViolation(err)
}

func (r *auditLogRepo) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var conditions []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if f.Actor.Type != "" {
		add("actor_type = $%d", f.Actor.Type)
	}
	if f.Actor.ID != "" {
		add("actor_id = $%d", f.Actor.ID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Target.Type != "" {
		add("target_type = $%d", f.Target.Type)
	}
	if f.Target.ID != "" {
		add("target_id = $%d", f.Target.ID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until.UTC())
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, store.ClampAuditLimit(f.Limit))

	// WHERE is assembled from fixed fragments with numbered placeholders only.
	query := fmt.Sprintf( //nolint:gosec
		`SELECT id::text, actor_type, actor_id, action, target_type, target_id, metadata, created_at
		 FROM audit_log %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		where, len(args),
	)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                                      domain.AuditEntry
			actorType, actorID, targetType, target *string
			action                                 string
			metadata                               []byte
			createdAt                              time.Time
		)
		if err := rows.Scan(&e.ID, &actorType, &actorID, &action, &targetType, &target, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.Actor = domain.AuditRef{Type: deref(actorType), ID: deref(actorID)}
		e.Target = domain.AuditRef{Type: deref(targetType), ID: deref(target)}
		e.Action = domain.AuditAction(action)
		e.CreatedAt = createdAt.UTC()
		if len(metadata) > 0 && string(metadata) != "{}" {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: audit entry %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *auditLogRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
