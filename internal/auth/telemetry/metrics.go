package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName scopes every instrument this package creates.
const MeterName = "github.com/aussiebroadwan/authcore"

// Metrics are the security counters. A nil *Metrics records nothing, so
// services and tests can leave it unset.
type Metrics struct {
	keysGenerated metric.Int64Counter
	tokensIssued  metric.Int64Counter
	tokensRotated metric.Int64Counter
	tokensRevoked metric.Int64Counter
	reuseDetected metric.Int64Counter
	auditFailures metric.Int64Counter
	auditDropped  metric.Int64Counter
}

// NewMetrics registers the counters on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(MeterName)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.keysGenerated, "authcore.keys.generated", "Signing keys generated by rotation"},
		{&m.tokensIssued, "authcore.tokens.issued", "Refresh tokens issued"},
		{&m.tokensRotated, "authcore.tokens.rotated", "Refresh tokens exchanged for a successor"},
		{&m.tokensRevoked, "authcore.tokens.revoked", "Refresh tokens revoked"},
		{&m.reuseDetected, "authcore.tokens.reuse_detected", "Revoked refresh tokens presented again"},
		{&m.auditFailures, "authcore.audit.failures", "Audit entries that could not be persisted"},
		{&m.auditDropped, "authcore.audit.dropped", "Audit entries dropped because the queue was full"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Metrics) KeyGenerated(ctx context.Context, alg string) {
	if m == nil {
		return
	}
	m.keysGenerated.Add(ctx, 1, metric.WithAttributes(attribute.String("algorithm", alg)))
}

func (m *Metrics) TokenIssued(ctx context.Context, principalType string) {
	if m == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1, principal(principalType))
}

func (m *Metrics) TokenRotated(ctx context.Context, principalType string) {
	if m == nil {
		return
	}
	m.tokensRotated.Add(ctx, 1, principal(principalType))
}

// TokensRevoked counts n revocations for the given reason.
func (m *Metrics) TokensRevoked(ctx context.Context, principalType, reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.Add(ctx, n, metric.WithAttributes(
		attribute.String("principal_type", principalType),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) ReuseDetected(ctx context.Context, principalType string) {
	if m == nil {
		return
	}
	m.reuseDetected.Add(ctx, 1, principal(principalType))
}

func (m *Metrics) AuditFailed(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) AuditDropped(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.auditDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func principal(t string) metric.AddOption {
	return metric.WithAttributes(attribute.String("principal_type", t))
}
