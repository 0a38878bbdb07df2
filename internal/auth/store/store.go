package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrAlreadyRevoked is returned by Rotate when the compare-and-swap on
	// revoked_at loses, i.e. someone else spent the token first.
	ErrAlreadyRevoked = errors.New("store: already revoked")

	// ErrConflict reports a unique-constraint race the caller may retry,
	// such as two concurrent issues for the same device.
	ErrConflict = errors.New("store: conflict")
)

// Store is the root data access interface for the relational drivers
// (sqlite, postgres). It exposes sub-repositories to keep concerns tidy and
// testable. Multi-step writes are atomic inside the repository methods, so
// there is no transaction handle leaking out to services.
type Store interface {
	RefreshTokens() RefreshTokens
	AuditLog() AuditLog

	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// KeyPairs is the keystore contract. Put never overwrites: a second Put for
// the same key id fails with ErrAlreadyExists, and a nil error means the key
// is durable.
type KeyPairs interface {
	Get(ctx context.Context, keyID string) (domain.KeyPair, error)
	Put(ctx context.Context, kp domain.KeyPair) error

	// List returns key ids ordered by period ascending.
	List(ctx context.Context) ([]string, error)

	// Delete removes a retired key. Missing keys are not an error.
	Delete(ctx context.Context, keyID string) error
}

type RefreshTokens interface {
	// Save inserts t and, when t has a device id, revokes any other
	// unrevoked record for the same (principal, device) in the same atomic
	// step. Returns the record id.
	Save(ctx context.Context, t domain.RefreshToken) (string, error)

	// FindByHash returns the record with the given fingerprint.
	FindByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// Revoke stamps revoked_at if it is not already set. It reports whether
	// this call changed the record; revoking twice is not an error.
	Revoke(ctx context.Context, id string, now time.Time, reason domain.RevokeReason) (bool, error)

	// Rotate revokes oldID and inserts next atomically. The revoke is a
	// compare-and-swap on revoked_at being unset and fails with
	// ErrAlreadyRevoked when it loses.
	Rotate(ctx context.Context, oldID string, now time.Time, next domain.RefreshToken) (string, error)

	// RevokeAllForPrincipal revokes every unrevoked record of a principal
	// and returns how many changed.
	RevokeAllForPrincipal(ctx context.Context, pt domain.PrincipalType, principalID string, now time.Time, reason domain.RevokeReason) (int64, error)

	// ListLive returns unrevoked, unexpired records ordered by creation.
	ListLive(ctx context.Context, pt domain.PrincipalType, principalID string, now time.Time) ([]domain.RefreshToken, error)

	// PurgeExpired deletes records that expired before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type AuditLog interface {
	// Append writes one entry. Entries are never updated.
	Append(ctx context.Context, e domain.AuditEntry) error

	// List returns entries matching f, newest first.
	List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)

	// PurgeBefore deletes entries older than the retention cutoff.
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// Audit list page sizes.
const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// ClampAuditLimit applies the default and maximum page size to a requested
// audit list limit.
func ClampAuditLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultAuditLimit
	case n > MaxAuditLimit:
		return MaxAuditLimit
	default:
		return n
	}
}
