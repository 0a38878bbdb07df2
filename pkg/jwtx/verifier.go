package jwtx

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrAlgMismatch = errors.New("jwtx: algorithm mismatch")
	ErrUnknownKID  = errors.New("jwtx: unknown kid")
	ErrInvalidSig  = errors.New("jwtx: invalid signature")

	ErrIssuer       = errors.New("jwtx: issuer mismatch")
	ErrAudience     = errors.New("jwtx: audience mismatch")
	ErrExpired      = errors.New("jwtx: token expired")
	ErrNotYetValid  = errors.New("jwtx: token not yet valid")
	ErrInvalidClaim = errors.New("jwtx: invalid claims")
)

// supportedMethods is every algorithm a Verifier accepts. The key resolved
// for a kid then pins the one that is actually allowed.
var supportedMethods = []string{
	jwt.SigningMethodEdDSA.Alg(),
	jwt.SigningMethodES256.Alg(),
	jwt.SigningMethodRS256.Alg(),
}

// KeyResolver finds the verification key for a kid. Implementations return
// ErrUnknownKID (possibly wrapped) for kids they will not vouch for.
type KeyResolver interface {
	ResolveKey(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, kid string) (crypto.PublicKey, error)

func (f KeyResolverFunc) ResolveKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	return f(ctx, kid)
}

// VerifyOptions captures common expectations used by verifiers.
type VerifyOptions struct {
	// Issuer the token must have (claims.iss). Empty means "don't care".
	Issuer string

	// Audience values the token must contain (claims.aud). Empty means "don't care".
	Audience []string

	// Leeway allows small clock skew when validating exp/nbf.
	Leeway time.Duration
}

// Verifier validates a JWT against keys looked up by kid and gives you back
// the claims if it's legit.
type Verifier struct {
	keys KeyResolver
	opts VerifyOptions
}

// NewVerifier creates a Verifier backed by keys.
func NewVerifier(keys KeyResolver, opts VerifyOptions) *Verifier {
	return &Verifier{keys: keys, opts: opts}
}

// Verify parses tokenStr, checks its signature with the key named by its kid
// header and validates the claims as of now.
func (v *Verifier) Verify(ctx context.Context, tokenStr string, now time.Time) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(supportedMethods),
		jwt.WithoutClaimsValidation(), // times are checked against the caller's clock below
	)

	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		// Need the kid to know which key to use
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrUnknownKID)
		}

		pub, err := v.keys.ResolveKey(ctx, kid)
		if err != nil {
			return nil, err
		}

		// The key decides the algorithm, never the header alone.
		method, err := MethodForKey(pub)
		if err != nil {
			return nil, err
		}
		if method.Alg() != t.Method.Alg() {
			return nil, fmt.Errorf("%w: kid %q is %s, token says %s", ErrAlgMismatch, kid, method.Alg(), t.Method.Alg())
		}
		return pub, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaim
	}

	if err := claims.Validate(now, v.opts); err != nil {
		return nil, err
	}

	return claims, nil
}

// classifyParseError maps golang-jwt's joined errors onto our sentinels,
// keeping the original chain for logs. Resolver errors (unknown kid,
// storage failures) are already in the chain and pass through as is.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidSig, err)
	default:
		return fmt.Errorf("jwtx: parse or verify: %w", err)
	}
}
