package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/internal/auth/telemetry"
	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	"github.com/aussiebroadwan/authcore/pkg/idx"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultStorageTimeout = 5 * time.Second
)

// IssueRequest describes the session a refresh token is issued for.
// DeviceID, OriginIP and UserAgent are optional.
type IssueRequest struct {
	PrincipalType domain.PrincipalType
	PrincipalID   string
	DeviceID      string
	OriginIP      string
	UserAgent     string
}

// RefreshService runs the refresh token lifecycle. Tokens are one-time use:
// presenting a spent token is treated as theft and revokes every session of
// the principal.
//
// Raw secrets only ever exist in return values. Storage sees fingerprints.
type RefreshService struct {
	Tokens         store.RefreshTokens
	Credentials    CredentialStore
	Audit          Auditor
	Metrics        *telemetry.Metrics // optional
	Logger         *slog.Logger
	TTL            time.Duration
	StorageTimeout time.Duration
	Now            func() time.Time
}

// Issue creates a refresh token for an active principal and returns the raw
// secret. With a device id, any earlier live token for that device is
// superseded.
func (s *RefreshService) Issue(ctx context.Context, req IssueRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "Refresh.Issue")
	span.SetAttributes(attribute.String("principal_type", string(req.PrincipalType)))
	defer span.End()

	pt, err := domain.ParsePrincipalType(string(req.PrincipalType))
	if err != nil {
		return "", spanError(span, err)
	}
	if err := s.checkActive(ctx, pt, req.PrincipalID); err != nil {
		return "", spanError(span, err)
	}

	now := s.now()
	for attempt := 0; ; attempt++ {
		raw, err := cryptox.NewSecret()
		if err != nil {
			return "", spanError(span, fmt.Errorf("generate refresh token: %w", err))
		}

		rec := domain.RefreshToken{
			ID:            idx.NewAt(now).String(),
			PrincipalType: pt,
			PrincipalID:   req.PrincipalID,
			TokenHash:     cryptox.FingerprintToken(raw),
			DeviceID:      req.DeviceID,
			OriginIP:      req.OriginIP,
			UserAgent:     req.UserAgent,
			ExpiresAt:     now.Add(s.ttl()),
			CreatedAt:     now,
		}

		sctx, cancel := s.storageCtx(ctx)
		id, err := s.Tokens.Save(sctx, rec)
		cancel()

		// A concurrent issue for the same device won the unique index.
		// One retry supersedes it.
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			s.Logger.Debug("refresh token device conflict, retrying", "principal_type", pt, "device_id", req.DeviceID)
			continue
		}
		if err != nil {
			return "", spanError(span, storageFailure("save refresh token", err))
		}

		s.Audit.Record(ctx, domain.ActionTokenIssued,
			domain.PrincipalRef(pt, req.PrincipalID),
			domain.AuditRef{Type: domain.SubjectRefreshToken, ID: id},
			map[string]any{"device_id": req.DeviceID},
		)
		s.Metrics.TokenIssued(ctx, string(pt))
		return raw, nil
	}
}

// Rotate spends raw and returns its successor. A spent or concurrently
// spent token is reuse: every live token of the principal is revoked and
// ErrReuseDetected is returned.
func (s *RefreshService) Rotate(ctx context.Context, raw string) (string, error) {
	ctx, span := tracer.Start(ctx, "Refresh.Rotate")
	defer span.End()

	if raw == "" {
		return "", ErrInvalidRefresh
	}

	rec, err := s.find(ctx, raw)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrInvalidRefresh
		}
		return "", spanError(span, err)
	}
	span.SetAttributes(attribute.String("principal_type", string(rec.PrincipalType)))

	now := s.now()
	if rec.IsRevoked() {
		return "", spanError(span, s.reuse(ctx, rec, now))
	}
	if rec.IsExpired(now) {
		return "", ErrRefreshExpired
	}

	if err := s.checkActive(ctx, rec.PrincipalType, rec.PrincipalID); err != nil {
		switch {
		case errors.Is(err, ErrPrincipalInactive):
			s.revoke(ctx, rec, now, domain.RevokePrincipal)
		case errors.Is(err, context.DeadlineExceeded):
			return "", ErrInvalidRefresh
		}
		return "", spanError(span, err)
	}

	next, err := cryptox.NewSecret()
	if err != nil {
		return "", spanError(span, fmt.Errorf("generate refresh token: %w", err))
	}

	sctx, cancel := s.storageCtx(ctx)
	id, err := s.Tokens.Rotate(sctx, rec.ID, now, domain.RefreshToken{
		ID:            idx.NewAt(now).String(),
		PrincipalType: rec.PrincipalType,
		PrincipalID:   rec.PrincipalID,
		TokenHash:     cryptox.FingerprintToken(next),
		DeviceID:      rec.DeviceID,
		OriginIP:      rec.OriginIP,
		UserAgent:     rec.UserAgent,
		ExpiresAt:     now.Add(s.ttl()),
		CreatedAt:     now,
	})
	cancel()

	switch {
	case errors.Is(err, store.ErrAlreadyRevoked):
		// Someone spent the same secret between our read and the CAS.
		return "", spanError(span, s.reuse(ctx, rec, now))
	case errors.Is(err, store.ErrNotFound), errors.Is(err, context.DeadlineExceeded):
		return "", ErrInvalidRefresh
	case err != nil:
		return "", spanError(span, storageFailure("rotate refresh token", err))
	}

	s.Audit.Record(ctx, domain.ActionTokenRotated,
		domain.PrincipalRef(rec.PrincipalType, rec.PrincipalID),
		domain.AuditRef{Type: domain.SubjectRefreshToken, ID: id},
		map[string]any{"previous_id": rec.ID},
	)
	s.Metrics.TokenRotated(ctx, string(rec.PrincipalType))
	return next, nil
}

// Revoke revokes raw. Unknown and already revoked tokens are not an error,
// and only the call that actually revokes writes an audit entry.
func (s *RefreshService) Revoke(ctx context.Context, raw string) error {
	ctx, span := tracer.Start(ctx, "Refresh.Revoke")
	defer span.End()

	if raw == "" {
		return nil
	}

	rec, err := s.find(ctx, raw)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return spanError(span, err)
	}
	if rec.IsRevoked() {
		return nil
	}

	sctx, cancel := s.storageCtx(ctx)
	changed, err := s.Tokens.Revoke(sctx, rec.ID, s.now(), domain.RevokeLogout)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return spanError(span, storageFailure("revoke refresh token", err))
	}
	if !changed {
		return nil
	}

	s.Audit.Record(ctx, domain.ActionTokenRevoked,
		domain.PrincipalRef(rec.PrincipalType, rec.PrincipalID),
		domain.AuditRef{Type: domain.SubjectRefreshToken, ID: rec.ID},
		map[string]any{"reason": string(domain.RevokeLogout)},
	)
	s.Metrics.TokensRevoked(ctx, string(rec.PrincipalType), string(domain.RevokeLogout), 1)
	return nil
}

// RevokeAll logs a principal out everywhere and returns how many tokens
// were revoked.
func (s *RefreshService) RevokeAll(ctx context.Context, pt domain.PrincipalType, principalID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Refresh.RevokeAll")
	span.SetAttributes(attribute.String("principal_type", string(pt)))
	defer span.End()

	if _, err := domain.ParsePrincipalType(string(pt)); err != nil {
		return 0, spanError(span, err)
	}

	sctx, cancel := s.storageCtx(ctx)
	n, err := s.Tokens.RevokeAllForPrincipal(sctx, pt, principalID, s.now(), domain.RevokeAdmin)
	cancel()
	if err != nil {
		return 0, spanError(span, storageFailure("revoke all refresh tokens", err))
	}

	s.Audit.Record(ctx, domain.ActionTokenRevoked,
		domain.AuditRef{Type: domain.SubjectSystem},
		domain.PrincipalRef(pt, principalID),
		map[string]any{"scope": "principal", "revoked_count": n, "reason": string(domain.RevokeAdmin)},
	)
	s.Metrics.TokensRevoked(ctx, string(pt), string(domain.RevokeAdmin), n)
	return n, nil
}

// ListSessions returns the principal's live refresh tokens, oldest first.
func (s *RefreshService) ListSessions(ctx context.Context, pt domain.PrincipalType, principalID string) ([]domain.RefreshToken, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	live, err := s.Tokens.ListLive(sctx, pt, principalID, s.now())
	if err != nil {
		return nil, storageFailure("list sessions", err)
	}
	return live, nil
}

// reuse contains a replayed token: every live token of the principal goes.
// Always returns ErrReuseDetected; a failed mass revoke is logged.
func (s *RefreshService) reuse(ctx context.Context, rec domain.RefreshToken, now time.Time) error {
	sctx, cancel := s.storageCtx(ctx)
	n, err := s.Tokens.RevokeAllForPrincipal(sctx, rec.PrincipalType, rec.PrincipalID, now, domain.RevokeReuse)
	cancel()
	if err != nil {
		s.Logger.Error("failed to revoke sessions after refresh token reuse",
			"principal_type", rec.PrincipalType, "principal_id", rec.PrincipalID, "token_id", rec.ID, "error", err)
	}

	s.Logger.Warn("refresh token reuse detected",
		"principal_type", rec.PrincipalType, "principal_id", rec.PrincipalID, "token_id", rec.ID, "revoked_count", n)
	s.Audit.Record(ctx, domain.ActionTokenReuseDetected,
		domain.PrincipalRef(rec.PrincipalType, rec.PrincipalID),
		domain.AuditRef{Type: domain.SubjectRefreshToken, ID: rec.ID},
		map[string]any{"token_id": rec.ID, "revoked_count": n, "device_id": rec.DeviceID},
	)
	s.Metrics.ReuseDetected(ctx, string(rec.PrincipalType))
	s.Metrics.TokensRevoked(ctx, string(rec.PrincipalType), string(domain.RevokeReuse), n)

	return ErrReuseDetected
}

// revoke is a best-effort single revoke used when a rotation is refused.
func (s *RefreshService) revoke(ctx context.Context, rec domain.RefreshToken, now time.Time, reason domain.RevokeReason) {
	sctx, cancel := s.storageCtx(ctx)
	changed, err := s.Tokens.Revoke(sctx, rec.ID, now, reason)
	cancel()
	if err != nil {
		s.Logger.Error("failed to revoke refresh token", "token_id", rec.ID, "reason", reason, "error", err)
		return
	}
	if !changed {
		return
	}

	s.Audit.Record(ctx, domain.ActionTokenRevoked,
		domain.PrincipalRef(rec.PrincipalType, rec.PrincipalID),
		domain.AuditRef{Type: domain.SubjectRefreshToken, ID: rec.ID},
		map[string]any{"reason": string(reason)},
	)
	s.Metrics.TokensRevoked(ctx, string(rec.PrincipalType), string(reason), 1)
}

// find looks raw up by fingerprint. NotFound and timeouts pass through
// unwrapped; anything else is a storage failure.
func (s *RefreshService) find(ctx context.Context, raw string) (domain.RefreshToken, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	rec, err := s.Tokens.FindByHash(sctx, cryptox.FingerprintToken(raw))
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, context.DeadlineExceeded):
		return domain.RefreshToken{}, err
	default:
		return domain.RefreshToken{}, storageFailure("find refresh token", err)
	}
}

// checkActive maps unknown and deactivated principals to
// ErrPrincipalInactive.
func (s *RefreshService) checkActive(ctx context.Context, pt domain.PrincipalType, id string) error {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	p, err := s.Credentials.Principal(sctx, pt, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrPrincipalInactive
	}
	if err != nil {
		return storageFailure("load principal", err)
	}
	if !p.Active {
		return ErrPrincipalInactive
	}
	return nil
}

func (s *RefreshService) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.StorageTimeout
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *RefreshService) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultRefreshTTL
	}
	return s.TTL
}

func (s *RefreshService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
