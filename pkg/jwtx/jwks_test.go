package jwtx

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJWKRoundTrip(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		pub     any
		wantKty string
		wantAlg string
	}{
		{"RSA", &rsaKey.PublicKey, "RSA", "RS256"},
		{"Ed25519", edPub, "OKP", "EdDSA"},
		{"P-256", &ecKey.PublicKey, "EC", "ES256"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := NewPublicJWK("2025-06", tt.pub)
			require.NoError(t, err)
			require.Equal(t, tt.wantKty, j.Kty)
			require.Equal(t, tt.wantAlg, j.Alg)
			require.Equal(t, "sig", j.Use)
			require.Equal(t, "2025-06", j.Kid)

			raw, err := json.Marshal(JWKS{Keys: []JWK{j}})
			require.NoError(t, err)

			var decoded JWKS
			require.NoError(t, json.Unmarshal(raw, &decoded))
			require.Len(t, decoded.Keys, 1)

			pub, err := decoded.Keys[0].PublicKey()
			require.NoError(t, err)
			require.Equal(t, tt.pub, pub)
		})
	}
}

func TestJWKPublicKeyRejects(t *testing.T) {
	tests := []struct {
		name string
		jwk  JWK
	}{
		{"unknown kty", JWK{Kty: "oct"}},
		{"unsupported curve", JWK{Kty: "EC", Crv: "P-384"}},
		{"short ed25519", JWK{Kty: "OKP", Crv: "Ed25519", X: "AAAA"}},
		{"point off curve", JWK{Kty: "EC", Crv: "P-256", X: "AQ", Y: "AQ"}},
		{"tiny exponent", JWK{Kty: "RSA", N: "AQAB", E: "AQ"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.jwk.PublicKey()
			require.ErrorIs(t, err, ErrBadJWK)
		})
	}
}

func TestES256JWKPadsCoordinates(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	j, err := NewPublicJWK("k", &key.PublicKey)
	require.NoError(t, err)
	require.Equal(t, "ES256", j.Alg)
	// 32 bytes base64url without padding is 43 chars
	require.Len(t, j.X, 43)
	require.Len(t, j.Y, 43)
}
