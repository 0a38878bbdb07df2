package auth_test

import (
	"errors"
	"testing"

	"github.com/aussiebroadwan/authcore/pkg/authsdk"
	"github.com/stretchr/testify/require"
)

// TestRateLimitJWKSEndpoint verifies that the JWKS endpoint is rate limited
// per client IP.
func TestRateLimitJWKSEndpoint(t *testing.T) {
	cfg := baseConfig(t)
	cfg.JWKSRateLimit = 3
	svc := startAuthService(t, cfg, testCredentials())

	for i := range 3 {
		_, err := svc.Client.GetJWKS(t.Context())
		require.NoError(t, err, "request %d should not be rate limited", i+1)
	}

	_, err := svc.Client.GetJWKS(t.Context())
	require.Error(t, err)

	var apiErr *authsdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected an APIError, got %T", err)
	require.Equal(t, 429, apiErr.StatusCode)
}
