// Package postgres is the PostgreSQL implementation of store.Store, built on
// a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	codeUniqueViolation = "23505"
	liveDeviceIndex     = "uq_refresh_tokens_live_device"
)

type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn and verifies the connection.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: database url is not set")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{pool: s.pool} }
func (s *Store) AuditLog() store.AuditLog           { return &auditLogRepo{pool: s.pool} }

var _ store.Store = (*Store)(nil)

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// mapUniqueViolation turns a unique constraint failure into a store error.
// Losing the live-device index is a retryable conflict; anything else (id,
// token hash) means the record already exists.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return err
	}
	if pgErr.ConstraintName == liveDeviceIndex {
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	return fmt.Errorf("%w: %w", store.ErrAlreadyExists, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
