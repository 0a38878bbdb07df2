package auth_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/pkg/authsdk"
	"github.com/aussiebroadwan/authcore/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

// TestKeySurvivesRestart verifies a restarted instance keeps signing with
// the same period key, so tokens issued before the restart still verify.
func TestKeySurvivesRestart(t *testing.T) {
	cfg := baseConfig(t)
	kid := domain.PeriodOf(time.Now())

	first := startAuthService(t, cfg, testCredentials())
	token, err := first.App.Tokens().IssueAccessToken(t.Context(), domain.PrincipalMember, memberID, "")
	require.NoError(t, err)
	first.Stop(t)

	// The private half on disk is sealed under the master key.
	pem, err := os.ReadFile(filepath.Join(cfg.KeyDir, kid+".key.pem"))
	require.NoError(t, err)
	require.Contains(t, string(pem), "SEALED PRIVATE KEY")

	second := startAuthService(t, cfg, testCredentials())

	jwks, err := second.Client.GetJWKS(t.Context())
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, kid, jwks.Keys[0].Kid)

	verifier := jwtx.NewVerifier(authsdk.NewRemoteKeys(second.Client, time.Minute), jwtx.VerifyOptions{Issuer: testIssuer})
	_, err = verifier.Verify(t.Context(), token, time.Now())
	require.NoError(t, err)

	result, err := second.App.Rotation().EnsureCurrentKey(t.Context(), time.Now())
	require.NoError(t, err)
	require.False(t, result.Created, "key already exists for this period")
}
