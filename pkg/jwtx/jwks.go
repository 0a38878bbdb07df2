package jwtx

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// ErrBadJWK reports a JWK that cannot be turned into a public key.
var ErrBadJWK = errors.New("jwtx: bad jwk")

var b64 = base64.RawURLEncoding

// JWK is the public half of a signing key (RFC 7517). Only the members
// for its kty are set.
type JWK struct {
	Kty string `json:"kty"`           // "RSA", "OKP" or "EC"
	Use string `json:"use,omitempty"` // always "sig" here
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"` // the key's period, YYYY-MM

	N string `json:"n,omitempty"` // RSA modulus
	E string `json:"e,omitempty"` // RSA exponent

	Crv string `json:"crv,omitempty"` // "Ed25519" or "P-256"
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"` // EC only
}

// JWKS is a JSON Web Key Set (RFC 7517).
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// NewPublicJWK describes pub as a signing key named kid. The alg member is
// the one a Signer over the matching private key would use.
func NewPublicJWK(kid string, pub crypto.PublicKey) (JWK, error) {
	method, err := MethodForKey(pub)
	if err != nil {
		return JWK{}, err
	}

	j := JWK{Use: "sig", Alg: method.Alg(), Kid: kid}
	switch k := pub.(type) {
	case ed25519.PublicKey:
		j.Kty, j.Crv = "OKP", "Ed25519"
		j.X = b64.EncodeToString(k)
	case *ecdsa.PublicKey:
		j.Kty, j.Crv = "EC", "P-256"
		j.X = b64.EncodeToString(fixed32(k.X))
		j.Y = b64.EncodeToString(fixed32(k.Y))
	case *rsa.PublicKey:
		j.Kty = "RSA"
		j.N = b64.EncodeToString(k.N.Bytes())
		j.E = b64.EncodeToString(big.NewInt(int64(k.E)).Bytes())
	default:
		return JWK{}, fmt.Errorf("jwtx: unsupported public key type %T", pub)
	}
	return j, nil
}

// fixed32 left-pads a P-256 coordinate to the field size.
func fixed32(v *big.Int) []byte {
	out := make([]byte, 32)
	return v.FillBytes(out)
}

// PublicKey decodes the JWK. Resource servers use it to verify tokens
// against a fetched set.
func (j JWK) PublicKey() (crypto.PublicKey, error) {
	var (
		pub crypto.PublicKey
		err error
	)
	switch j.Kty {
	case "RSA":
		pub, err = j.rsaKey()
	case "OKP":
		pub, err = j.okpKey()
	case "EC":
		pub, err = j.ecKey()
	default:
		err = fmt.Errorf("unsupported kty %q", j.Kty)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %w", ErrBadJWK, j.Kid, err)
	}
	return pub, nil
}

func (j JWK) rsaKey() (*rsa.PublicKey, error) {
	n, err := b64.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("n: %w", err)
	}
	e, err := b64.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("e: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("invalid modulus or exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func (j JWK) okpKey() (ed25519.PublicKey, error) {
	if j.Crv != "Ed25519" {
		return nil, fmt.Errorf("unsupported OKP curve %q", j.Crv)
	}
	x, err := b64.DecodeString(j.X)
	if err != nil {
		return nil, fmt.Errorf("x: %w", err)
	}
	if len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("Ed25519 key is %d bytes", len(x))
	}
	return ed25519.PublicKey(x), nil
}

func (j JWK) ecKey() (*ecdsa.PublicKey, error) {
	if j.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported EC curve %q", j.Crv)
	}
	x, err := b64.DecodeString(j.X)
	if err != nil {
		return nil, fmt.Errorf("x: %w", err)
	}
	y, err := b64.DecodeString(j.Y)
	if err != nil {
		return nil, fmt.Errorf("y: %w", err)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("point not on P-256")
	}
	return pub, nil
}

// Resolver returns a KeyResolver over the set. Kids not in the set resolve
// to ErrUnknownKID.
func (s JWKS) Resolver() KeyResolver {
	return KeyResolverFunc(func(_ context.Context, kid string) (crypto.PublicKey, error) {
		for _, j := range s.Keys {
			if j.Kid == kid {
				return j.PublicKey()
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
	})
}
