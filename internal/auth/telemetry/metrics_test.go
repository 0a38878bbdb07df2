package telemetry_test

import (
	"context"
	"testing"

	"github.com/aussiebroadwan/authcore/internal/auth/telemetry"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// sums collects every int64 sum by instrument name, added across attribute sets.
func sums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := telemetry.NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.KeyGenerated(ctx, "EdDSA")
	m.TokenIssued(ctx, "MEMBER")
	m.TokenIssued(ctx, "CLIENT")
	m.TokenRotated(ctx, "MEMBER")
	m.TokensRevoked(ctx, "MEMBER", "reuse", 3)
	m.TokensRevoked(ctx, "MEMBER", "logout", 0)
	m.ReuseDetected(ctx, "MEMBER")
	m.AuditFailed(ctx, "TOKEN_ISSUED")
	m.AuditDropped(ctx, "TOKEN_ISSUED")

	got := sums(t, reader)
	require.Equal(t, int64(1), got["authcore.keys.generated"])
	require.Equal(t, int64(2), got["authcore.tokens.issued"])
	require.Equal(t, int64(1), got["authcore.tokens.rotated"])
	require.Equal(t, int64(3), got["authcore.tokens.revoked"])
	require.Equal(t, int64(1), got["authcore.tokens.reuse_detected"])
	require.Equal(t, int64(1), got["authcore.audit.failures"])
	require.Equal(t, int64(1), got["authcore.audit.dropped"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	require.NotPanics(t, func() {
		m.KeyGenerated(context.Background(), "EdDSA")
		m.TokensRevoked(context.Background(), "MEMBER", "logout", 1)
	})
}

func TestNewProvidersWithoutEndpoint(t *testing.T) {
	p, err := telemetry.NewProviders(context.Background(), telemetry.Config{ServiceName: "authcore"}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.MeterProvider)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvidersBadEndpoint(t *testing.T) {
	_, err := telemetry.NewProviders(context.Background(), telemetry.Config{Endpoint: "http://"}, nil)
	require.Error(t, err)
}
