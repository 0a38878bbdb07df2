package domain

import "time"

// AuditAction names a security-relevant event.
type AuditAction string

const (
	ActionKeyGenerated       AuditAction = "KEY_GENERATED"
	ActionKeyPurged          AuditAction = "KEY_PURGED"
	ActionTokenIssued        AuditAction = "TOKEN_ISSUED"
	ActionTokenRotated       AuditAction = "TOKEN_ROTATED"
	ActionTokenRevoked       AuditAction = "TOKEN_REVOKED"
	ActionTokenReuseDetected AuditAction = "TOKEN_REUSE_DETECTED"
)

// Subject types used as actor or target of an audit entry.
const (
	SubjectSystem       = "SYSTEM"
	SubjectSigningKey   = "SIGNING_KEY"
	SubjectRefreshToken = "REFRESH_TOKEN"
)

// AuditRef identifies the actor or target of an audit entry. The zero value
// means "none" and is stored as NULL.
type AuditRef struct {
	Type string
	ID   string
}

// IsZero reports whether r is unset.
func (r AuditRef) IsZero() bool { return r.Type == "" && r.ID == "" }

// PrincipalRef builds the ref for a member or client.
func PrincipalRef(t PrincipalType, id string) AuditRef {
	return AuditRef{Type: string(t), ID: id}
}

// AuditEntry is an append-only audit log row.
type AuditEntry struct {
	ID        string // UUID
	Actor     AuditRef
	Action    AuditAction
	Target    AuditRef
	Metadata  map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows a forensic query. Zero fields are ignored.
type AuditFilter struct {
	Actor  AuditRef
	Action AuditAction
	Target AuditRef
	Since  time.Time
	Until  time.Time
	Limit  int
}
