package jwtx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer is our interface for anything that can sign JWTs.
type Signer interface {
	Alg() string
	KID() string
	Sign(Claims) (string, error)
	PublicJWK() JWK
	Validate() error
}

// keySigner signs with any of the supported asymmetric key types. The
// signing method is picked once from the key type at construction.
type keySigner struct {
	kid    string
	key    crypto.Signer
	method jwt.SigningMethod
}

// NewSigner wraps a private key (ed25519.PrivateKey, *ecdsa.PrivateKey on
// P-256, or *rsa.PrivateKey) in a Signer that stamps kid into every header.
func NewSigner(kid string, key crypto.Signer) (Signer, error) {
	if kid == "" {
		return nil, errors.New("jwtx: empty kid")
	}

	method, err := MethodForKey(key)
	if err != nil {
		return nil, err
	}

	s := &keySigner{kid: kid, key: key, method: method}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MethodForKey returns the JWS signing method for a public or private key.
func MethodForKey(key any) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	case *ecdsa.PrivateKey:
		return es256Method(&k.PublicKey)
	case *ecdsa.PublicKey:
		return es256Method(k)
	case *rsa.PrivateKey, *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	default:
		return nil, fmt.Errorf("jwtx: unsupported key type %T", key)
	}
}

func es256Method(pub *ecdsa.PublicKey) (jwt.SigningMethod, error) {
	if pub.Curve == nil || pub.Curve.Params().Name != "P-256" {
		return nil, errors.New("jwtx: expected P-256 curve")
	}
	return jwt.SigningMethodES256, nil
}

func (s *keySigner) Alg() string { return s.method.Alg() }
func (s *keySigner) KID() string { return s.kid }

// Sign takes your claims and turns them into a signed JWT string.
func (s *keySigner) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(s.method, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// PublicJWK returns a JWK for inclusion in a JWKS.
func (s *keySigner) PublicJWK() JWK {
	j, _ := NewPublicJWK(s.kid, s.key.Public()) // type checked in NewSigner
	return j
}

// Validate does a quick sanity check to make sure we actually have keys.
func (s *keySigner) Validate() error {
	switch k := s.key.(type) {
	case ed25519.PrivateKey:
		if len(k) != ed25519.PrivateKeySize {
			return errors.New("jwtx: invalid Ed25519 private key size")
		}
	case *ecdsa.PrivateKey:
		if k == nil || k.D == nil {
			return errors.New("jwtx: nil ECDSA key")
		}
	case *rsa.PrivateKey:
		if k == nil || k.N == nil {
			return errors.New("jwtx: nil RSA key")
		}
		if k.N.BitLen() < 2048 {
			return fmt.Errorf("jwtx: RSA key too small (%d bits)", k.N.BitLen())
		}
	default:
		return fmt.Errorf("jwtx: unsupported key type %T", s.key)
	}
	return nil
}
