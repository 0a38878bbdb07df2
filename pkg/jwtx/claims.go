package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal types carried in the ptyp claim.
const (
	PrincipalMember = "MEMBER"
	PrincipalClient = "CLIENT"
)

// Claims are access-token claims. Subject is the principal id within the
// directory named by PrincipalType.
type Claims struct {
	jwt.RegisteredClaims

	PrincipalType string `json:"ptyp"`
	SID           string `json:"sid,omitempty"` // refresh token record the token was minted from
}

// PrincipalID is the subject claim.
func (c *Claims) PrincipalID() string { return c.Subject }

// NewAccessClaims builds access-token claims valid from now for ttl.
func NewAccessClaims(
	principalType, principalID, sid string,
	ttl time.Duration,
	issuer string,
	audience []string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principalID,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		PrincipalType: principalType,
		SID:           sid,
	}
}

// NewJTI returns 160 random bits as base64url for the jti claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// Validate checks the claims as of now. Times come first so an expired
// token reports ErrExpired even when other claims are also off. Empty
// expectations in opts are not enforced.
func (c *Claims) Validate(now time.Time, opts VerifyOptions) error {
	if c.ExpiresAt == nil {
		return fmt.Errorf("%w: missing exp", ErrInvalidClaim)
	}
	if now.After(c.ExpiresAt.Add(opts.Leeway)) {
		return ErrExpired
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-opts.Leeway)) {
		return ErrNotYetValid
	}

	if opts.Issuer != "" && c.Issuer != opts.Issuer {
		return ErrIssuer
	}
	if len(opts.Audience) > 0 && !slices.ContainsFunc(opts.Audience, func(want string) bool {
		return slices.Contains(c.Audience, want)
	}) {
		return ErrAudience
	}

	if c.Subject == "" {
		return fmt.Errorf("%w: missing sub", ErrInvalidClaim)
	}
	if c.PrincipalType != PrincipalMember && c.PrincipalType != PrincipalClient {
		return fmt.Errorf("%w: ptyp %q", ErrInvalidClaim, c.PrincipalType)
	}
	return nil
}
