package service

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/pkg/jwtx"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultAccessTTL is the access token lifetime when none is configured.
const DefaultAccessTTL = 15 * time.Minute

// TokenService signs access tokens with the current period's key and
// verifies them against the Active and Retiring keys.
type TokenService struct {
	Rotation  *KeyRotationService
	Cache     *KeyCache
	Logger    *slog.Logger
	Issuer    string
	Audience  []string
	AccessTTL time.Duration
	Leeway    time.Duration
	Now       func() time.Time
}

// Sign signs claims with the Active key, creating it first if the monthly
// job has not run yet for this period.
func (s *TokenService) Sign(ctx context.Context, claims jwtx.Claims) (string, error) {
	now := s.now()

	res, err := s.Rotation.EnsureCurrentKey(ctx, now)
	if err != nil {
		return "", fmt.Errorf("ensure signing key: %w", err)
	}

	signer, err := s.Cache.Signer(ctx, res.KeyID, now)
	if err != nil {
		return "", err
	}

	tok, err := signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign with %s: %w", res.KeyID, err)
	}
	return tok, nil
}

// IssueAccessToken mints a short-lived access token for a principal.
func (s *TokenService) IssueAccessToken(ctx context.Context, pt domain.PrincipalType, principalID, sessionID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Tokens.IssueAccessToken")
	span.SetAttributes(attribute.String("principal_type", string(pt)))
	defer span.End()

	ttl := s.AccessTTL
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}

	claims := jwtx.NewAccessClaims(string(pt), principalID, sessionID, ttl, s.Issuer, s.Audience, s.now())
	tok, err := s.Sign(ctx, claims)
	if err != nil {
		return "", spanError(span, err)
	}
	return tok, nil
}

// Verify checks a token's signature against the key named by its kid and
// validates its claims. The kid must be Active or Retiring by this
// service's own clock.
func (s *TokenService) Verify(ctx context.Context, token string) (*jwtx.Claims, error) {
	ctx, span := tracer.Start(ctx, "Tokens.Verify")
	defer span.End()

	now := s.now()
	resolver := jwtx.KeyResolverFunc(func(ctx context.Context, kid string) (crypto.PublicKey, error) {
		return s.Cache.PublicKey(ctx, kid, now)
	})

	v := jwtx.NewVerifier(resolver, jwtx.VerifyOptions{
		Issuer:   s.Issuer,
		Audience: s.Audience,
		Leeway:   s.Leeway,
	})

	claims, err := v.Verify(ctx, token, now)
	if err != nil {
		return nil, spanError(span, err)
	}
	return claims, nil
}

// JWKS returns the public halves of every verifiable key, newest first.
// Retired keys are never loaded.
func (s *TokenService) JWKS(ctx context.Context) (jwtx.JWKS, error) {
	now := s.now()

	kids, err := s.Rotation.VerifiableKeyIDs(ctx, now)
	if err != nil {
		return jwtx.JWKS{}, err
	}

	set := jwtx.JWKS{Keys: make([]jwtx.JWK, 0, len(kids))}
	for _, kid := range kids {
		pub, err := s.Cache.PublicKey(ctx, kid, now)
		if err != nil {
			return jwtx.JWKS{}, err
		}
		jwk, err := jwtx.NewPublicJWK(kid, pub)
		if err != nil {
			return jwtx.JWKS{}, fmt.Errorf("jwk %s: %w", kid, err)
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// Ready reports whether the current period's key can be loaded. It never
// creates a key.
func (s *TokenService) Ready(ctx context.Context) error {
	now := s.now()
	_, err := s.Cache.Signer(ctx, domain.PeriodOf(now), now)
	return err
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
