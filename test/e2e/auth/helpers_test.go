package auth_test

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/app"
	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/service"
	"github.com/aussiebroadwan/authcore/pkg/authsdk"
	"github.com/aussiebroadwan/authcore/pkg/slogx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

/*
 * Common constants and helper functions for auth service end-to-end tests.
 * The service runs in-process on a loopback listener and is driven through
 * the public SDK, the same way a resource server talks to it.
 */

const (
	testIssuer    = "https://auth.example.test"
	testMasterKey = "e2e-master-key-do-not-use-in-prod"

	memberID = "member-42"
	clientID = "client-7"
)

// authService is a running in-process instance.
type authService struct {
	BaseURL string
	App     *app.Application
	Client  *authsdk.SDKClient
	Config  app.Config

	stop func()
}

// Stop shuts the instance down and waits for it to exit.
func (s *authService) Stop(t *testing.T) {
	t.Helper()
	s.stop()
}

// baseConfig returns a sqlite-backed config with relaxed rate limits.
func baseConfig(t *testing.T) app.Config {
	t.Helper()
	dir := t.TempDir()
	return app.Config{
		Issuer:              testIssuer,
		AccessTTL:           5 * time.Minute,
		Algorithm:           "EdDSA",
		GracePeriods:        1,
		KeyDir:              filepath.Join(dir, "keys"),
		KeyCacheTTL:         time.Hour,
		RotationInterval:    time.Hour,
		DatabaseDriver:      app.DriverSQLite,
		DatabaseFile:        filepath.Join(dir, "auth.db"),
		RefreshStore:        app.RefreshStoreSQL,
		RefreshTTL:          time.Hour,
		StorageTimeout:      5 * time.Second,
		CleanupInterval:     time.Hour,
		RefreshRetention:    time.Hour,
		JWKSRateLimit:       1000,
		Env:                 "test",
		ShutdownGracePeriod: 5 * time.Second,
	}
}

// testCredentials knows one member and one client, both active.
func testCredentials() *service.MemoryCredentials {
	creds := service.NewMemoryCredentials()
	creds.Put(domain.Principal{Type: domain.PrincipalMember, ID: memberID, Active: true})
	creds.Put(domain.Principal{Type: domain.PrincipalClient, ID: clientID, Active: true})
	return creds
}

// startAuthService runs the service with cfg and waits until it reports
// ready, which means the current signing key exists.
func startAuthService(t *testing.T, cfg app.Config, creds service.CredentialStore) *authService {
	t.Helper()
	t.Setenv("AUTH_MASTER_KEY", testMasterKey)

	ctx, cancel := context.WithCancel(context.Background())

	application, err := app.New(ctx, cfg, app.WithLogger(slogx.Discard()), app.WithCredentials(creds))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- application.Serve(ctx, ln) }()

	baseURL := "http://" + ln.Addr().String()
	svc := &authService{
		BaseURL: baseURL,
		App:     application,
		Client:  authsdk.NewSDKClient(baseURL),
		Config:  cfg,
	}

	var once bool
	svc.stop = func() {
		if once {
			return
		}
		once = true
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("auth service did not shut down")
		}
	}
	t.Cleanup(svc.stop)

	require.Eventually(t, func() bool {
		_, err := svc.Client.GetReadiness(context.Background())
		return err == nil
	}, 10*time.Second, 50*time.Millisecond, "service never became ready")

	return svc
}

// setupPostgres starts a throwaway postgres container and returns its DSN.
func setupPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "authcore",
				"POSTGRES_PASSWORD": "authcore",
				"POSTGRES_DB":       "authcore",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://authcore:authcore@%s:%s/authcore?sslmode=disable", host, port.Port())
}

// assertHealthy verifies a health check response is OK.
func assertHealthy(t *testing.T, health *authsdk.HealthResponse, err error) {
	t.Helper()
	require.NoError(t, err)
	require.NotNil(t, health)
	require.Equal(t, "ok", health.Status)
}
