package domain

import (
	"crypto"
	"time"
)

// KeyPair is a signing key pair owned by the keystore. KeyID is the rotation
// period the key was minted for (e.g. "2025-06"). Immutable once stored.
type KeyPair struct {
	KeyID      string // rotation period, "YYYY-MM"
	Algorithm  string // EdDSA, ES256 or RS256
	PublicKey  crypto.PublicKey
	PrivateKey crypto.Signer
	CreatedAt  time.Time
}

// KeyState is the lifecycle classification of a key relative to now.
type KeyState int

const (
	// KeyRetired keys are ignored by the verifier and may be purged.
	KeyRetired KeyState = iota
	// KeyRetiring keys verify tokens but never sign new ones.
	KeyRetiring
	// KeyActive is the current period's key, used for signing and verification.
	KeyActive
)

func (s KeyState) String() string {
	switch s {
	case KeyActive:
		return "active"
	case KeyRetiring:
		return "retiring"
	default:
		return "retired"
	}
}

// Verifiable reports whether tokens signed by a key in this state may still
// be accepted.
func (s KeyState) Verifiable() bool { return s == KeyActive || s == KeyRetiring }

// KeyInfo is the public view of a stored key.
type KeyInfo struct {
	KeyID     string
	Algorithm string
	State     KeyState
	CreatedAt time.Time
}
