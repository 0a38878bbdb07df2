package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
)

type auditLogRepo struct {
	db *sql.DB
}

func (r *auditLogRepo) Append(ctx context.Context, e domain.AuditEntry) error {
	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor_type, actor_id, action, target_type, target_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		mapStringNull(e.Actor.Type), mapStringNull(e.Actor.ID),
		string(e.Action),
		mapStringNull(e.Target.Type), mapStringNull(e.Target.ID),
		metadata, toMicros(e.CreatedAt),
	)
	return mapUniqueViolation(err)
}

func (r *auditLogRepo) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var conditions []string
	var args []any

	if f.Actor.Type != "" {
		conditions = append(conditions, "actor_type = ?")
		args = append(args, f.Actor.Type)
	}
	if f.Actor.ID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, f.Actor.ID)
	}
	if f.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.Target.Type != "" {
		conditions = append(conditions, "target_type = ?")
		args = append(args, f.Target.Type)
	}
	if f.Target.ID != "" {
		conditions = append(conditions, "target_id = ?")
		args = append(args, f.Target.ID)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, toMicros(f.Since))
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, toMicros(f.Until))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// WHERE is assembled from fixed fragments with ? placeholders only.
	query := fmt.Sprintf( //nolint:gosec
		`SELECT id, actor_type, actor_id, action, target_type, target_id, metadata, created_at
		 FROM audit_log %s ORDER BY created_at DESC, id DESC LIMIT ?`,
		where,
	)
	args = append(args, store.ClampAuditLimit(f.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                                      domain.AuditEntry
			actorType, actorID, targetType, target sql.NullString
			action, metadata                       string
			createdAt                              int64
		)
		if err := rows.Scan(&e.ID, &actorType, &actorID, &action, &targetType, &target, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.Actor = domain.AuditRef{Type: mapNullString(actorType), ID: mapNullString(actorID)}
		e.Target = domain.AuditRef{Type: mapNullString(targetType), ID: mapNullString(target)}
		e.Action = domain.AuditAction(action)
		e.CreatedAt = fromMicros(createdAt)
		if e.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, fmt.Errorf("sqlite: audit entry %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *auditLogRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, toMicros(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshalling audit metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
