package authsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/authsdk"
	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	"github.com/aussiebroadwan/authcore/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T, kid string) jwtx.Signer {
	t.Helper()
	key, err := cryptox.GenerateKey(cryptox.AlgEdDSA, 0)
	require.NoError(t, err)
	s, err := jwtx.NewSigner(kid, key)
	require.NoError(t, err)
	return s
}

// fakeAuth serves a mutable key set and counts JWKS fetches.
type fakeAuth struct {
	keys    atomic.Pointer[jwtx.JWKS]
	fetches atomic.Int32
	ready   atomic.Bool
	maxAge  atomic.Int32 // seconds, 0 sends no Cache-Control
	ua      atomic.Pointer[string]
}

func (f *fakeAuth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ua := r.UserAgent()
	f.ua.Store(&ua)
	switch r.URL.Path {
	case "/.well-known/jwks.json":
		f.fetches.Add(1)
		if age := f.maxAge.Load(); age > 0 {
			w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", age))
		}
		_ = json.NewEncoder(w).Encode(f.keys.Load())
	case "/livez":
		_ = json.NewEncoder(w).Encode(authsdk.HealthResponse{Status: "ok", Version: "test"})
	case "/readyz":
		if !f.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(authsdk.HealthResponse{
				Status: "degraded",
				Checks: &authsdk.HealthChecks{Database: "ok", Signer: "error: no key for 2025-06"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(authsdk.HealthResponse{Status: "ok"})
	default:
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","error_description":"slow down"}`))
	}
}

func TestHealth(t *testing.T) {
	fake := &fakeAuth{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := authsdk.NewSDKClient(srv.URL + "/")
	ctx := context.Background()

	live, err := client.GetLiveness(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", live.Status)
	require.Equal(t, "test", live.Version)

	ready, err := client.GetReadiness(ctx)
	require.ErrorIs(t, err, authsdk.ErrNotReady)
	require.Equal(t, "degraded", ready.Status)
	require.Contains(t, ready.Checks.Signer, "error")

	fake.ready.Store(true)
	ready, err = client.GetReadiness(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", ready.Status)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(&fakeAuth{})
	defer srv.Close()

	client := authsdk.NewSDKClient(srv.URL)
	client.BaseURL += "/nope"

	_, err := client.GetJWKS(context.Background())
	var apiErr *authsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Equal(t, authsdk.ErrorCodeRateLimited, apiErr.Code)
}

func TestRemoteKeys(t *testing.T) {
	june := newSigner(t, "2025-06")
	july := newSigner(t, "2025-07")

	fake := &fakeAuth{}
	fake.keys.Store(&jwtx.JWKS{Keys: []jwtx.JWK{june.PublicJWK()}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	keys := authsdk.NewRemoteKeys(authsdk.NewSDKClient(srv.URL), time.Hour)
	keys.Now = func() time.Time { return now }

	verifier := jwtx.NewVerifier(keys, jwtx.VerifyOptions{Issuer: "authcore"})
	ctx := context.Background()

	tokJune, err := june.Sign(jwtx.NewAccessClaims("MEMBER", "42", "", time.Hour, "authcore", nil, now))
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, tokJune, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, fake.fetches.Load())

	// Cached.
	_, err = verifier.Verify(ctx, tokJune, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, fake.fetches.Load())

	// The service rotates; an unseen kid triggers a refetch once MinRefresh passed.
	fake.keys.Store(&jwtx.JWKS{Keys: []jwtx.JWK{july.PublicJWK(), june.PublicJWK()}})
	tokJuly, err := july.Sign(jwtx.NewAccessClaims("MEMBER", "42", "", time.Hour, "authcore", nil, now))
	require.NoError(t, err)

	_, err = verifier.Verify(ctx, tokJuly, now)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)
	require.EqualValues(t, 1, fake.fetches.Load())

	now = now.Add(time.Minute)
	_, err = verifier.Verify(ctx, tokJuly, now)
	require.NoError(t, err)
	require.EqualValues(t, 2, fake.fetches.Load())
}

func TestRemoteKeysHonoursMaxAge(t *testing.T) {
	june := newSigner(t, "2025-06")

	fake := &fakeAuth{}
	fake.keys.Store(&jwtx.JWKS{Keys: []jwtx.JWK{june.PublicJWK()}})
	fake.maxAge.Store(300)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	keys := authsdk.NewRemoteKeys(authsdk.NewSDKClient(srv.URL), time.Hour)
	keys.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := keys.ResolveKey(ctx, "2025-06")
	require.NoError(t, err)
	require.EqualValues(t, 1, fake.fetches.Load())

	now = now.Add(4 * time.Minute)
	_, err = keys.ResolveKey(ctx, "2025-06")
	require.NoError(t, err)
	require.EqualValues(t, 1, fake.fetches.Load())

	// Past the server's max-age, well inside the client TTL.
	now = now.Add(2 * time.Minute)
	_, err = keys.ResolveKey(ctx, "2025-06")
	require.NoError(t, err)
	require.EqualValues(t, 2, fake.fetches.Load())
}

func TestClientOptions(t *testing.T) {
	fake := &fakeAuth{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	hc := &http.Client{Timeout: time.Second}
	client := authsdk.NewSDKClient(srv.URL, authsdk.WithHTTPClient(hc), authsdk.WithUserAgent("billing-api/1.2"))
	require.Same(t, hc, client.HTTPClient)

	_, err := client.GetLiveness(context.Background())
	require.NoError(t, err)
	require.Equal(t, "billing-api/1.2", *fake.ua.Load())
}
