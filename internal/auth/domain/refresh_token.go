package domain

import (
	"errors"
	"time"
)

// PrincipalType says which directory a principal lives in.
type PrincipalType string

const (
	PrincipalMember PrincipalType = "MEMBER" // staff member
	PrincipalClient PrincipalType = "CLIENT" // external client
)

var ErrUnknownPrincipalType = errors.New("domain: unknown principal type")

// ParsePrincipalType validates s.
func ParsePrincipalType(s string) (PrincipalType, error) {
	switch p := PrincipalType(s); p {
	case PrincipalMember, PrincipalClient:
		return p, nil
	default:
		return "", ErrUnknownPrincipalType
	}
}

// RevokeReason records why a refresh token stopped being live.
type RevokeReason string

const (
	RevokeRotated    RevokeReason = "rotated"    // exchanged for a successor
	RevokeLogout     RevokeReason = "logout"     // explicit revoke by the holder
	RevokeReuse      RevokeReason = "reuse"      // blast-radius containment after reuse
	RevokeSuperseded RevokeReason = "superseded" // a newer token was issued for the same device
	RevokeAdmin      RevokeReason = "admin"      // logout everywhere
	RevokePrincipal  RevokeReason = "principal"  // principal no longer active
)

// RefreshToken models the stored refresh token record. Only the fingerprint
// of the secret is ever stored.
type RefreshToken struct {
	ID            string // ULID
	PrincipalType PrincipalType
	PrincipalID   string
	TokenHash     string // deterministic fingerprint (base64url SHA-256)
	DeviceID      string // optional
	OriginIP      string // optional
	UserAgent     string // optional
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	RevokeReason  RevokeReason
	CreatedAt     time.Time
}

// IsRevoked reports whether the record has been revoked.
func (t *RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

// IsExpired reports whether the record's TTL has lapsed at now.
func (t *RefreshToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// IsLive reports whether the record can still be exchanged at now.
func (t *RefreshToken) IsLive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}
