package cryptox

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Supported signing algorithms, named after their JWS "alg" values.
const (
	AlgEdDSA = "EdDSA"
	AlgES256 = "ES256"
	AlgRS256 = "RS256"
)

// MinRSABits is the smallest RSA modulus GenerateKey accepts.
const MinRSABits = 2048

var ErrUnsupportedAlg = errors.New("cryptox: unsupported algorithm")

// GenerateKey generates a fresh private key for alg. rsaBits is only
// consulted for RS256.
func GenerateKey(alg string, rsaBits int) (crypto.Signer, error) {
	switch alg {
	case AlgEdDSA:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("cryptox: failed to generate Ed25519 key: %w", err)
		}
		return priv, nil

	case AlgES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("cryptox: failed to generate ECDSA P-256 key: %w", err)
		}
		return priv, nil

	case AlgRS256:
		if rsaBits < MinRSABits {
			return nil, fmt.Errorf("cryptox: RSA key size must be at least %d bits", MinRSABits)
		}
		priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("cryptox: failed to generate RSA key: %w", err)
		}
		return priv, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlg, alg)
	}
}

// AlgorithmOf returns the signing algorithm matching the key's type.
func AlgorithmOf(key any) (string, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return AlgEdDSA, nil
	case *ecdsa.PrivateKey:
		return ecdsaAlg(k.Curve)
	case *ecdsa.PublicKey:
		return ecdsaAlg(k.Curve)
	case *rsa.PrivateKey, *rsa.PublicKey:
		return AlgRS256, nil
	default:
		return "", fmt.Errorf("%w: key type %T", ErrUnsupportedAlg, key)
	}
}

func ecdsaAlg(c elliptic.Curve) (string, error) {
	if c != elliptic.P256() {
		return "", fmt.Errorf("%w: curve %s", ErrUnsupportedAlg, c.Params().Name)
	}
	return AlgES256, nil
}

// MarshalPrivateKeyDER encodes any supported private key as PKCS8.
func MarshalPrivateKeyDER(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to marshal PKCS8 key: %w", err)
	}
	return der, nil
}

// ParsePrivateKeyDER parses a PKCS8 private key, and falls back to PKCS1
// for RSA keys minted by older tooling.
func ParsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		rk, err2 := x509.ParsePKCS1PrivateKey(der)
		if err2 != nil {
			return nil, fmt.Errorf("cryptox: parse private key: %w", err)
		}
		return rk, nil
	}

	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlg, priv)
	}
	if _, err := AlgorithmOf(signer); err != nil {
		return nil, err
	}
	return signer, nil
}

// MarshalPublicKeyPEM encodes a public key as a PKIX "PUBLIC KEY" block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PKIX "PUBLIC KEY" block.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("cryptox: invalid PEM for public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: parse PKIX: %w", err)
	}
	if _, err := AlgorithmOf(pub); err != nil {
		return nil, err
	}
	return pub, nil
}
