package postgres

import "context"

// Truncate empties every table so subtests can share one container.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE refresh_tokens, audit_log`)
	return err
}
