package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/notify"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/internal/auth/telemetry"
	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	"go.opentelemetry.io/otel/attribute"
)

// KeyRotationService keeps exactly one signing key per calendar month.
//
// There is no rotation lock. The keystore's Put is the serialization point:
// when two callers (goroutines or processes) race to create the same
// period, one commits and the other sees store.ErrAlreadyExists, which is
// success from its point of view.
type KeyRotationService struct {
	Keys         store.KeyPairs
	Audit        Auditor
	Notifier     notify.Notifier    // optional
	Metrics      *telemetry.Metrics // optional
	Logger       *slog.Logger
	Algorithm    string // EdDSA, ES256 or RS256
	RSABits      int
	GracePeriods int
	Now          func() time.Time
}

// EnsureResult reports the current key id and whether this call created it.
type EnsureResult struct {
	KeyID   string
	Created bool
}

// EnsureCurrentKey makes sure a key exists for the period containing now.
// Calling it any number of times in a period generates at most one key.
func (s *KeyRotationService) EnsureCurrentKey(ctx context.Context, now time.Time) (EnsureResult, error) {
	kid := domain.PeriodOf(now)

	ctx, span := tracer.Start(ctx, "KeyRotation.EnsureCurrentKey")
	span.SetAttributes(attribute.String("kid", kid))
	defer span.End()

	_, err := s.Keys.Get(ctx, kid)
	if err == nil {
		return EnsureResult{KeyID: kid}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return EnsureResult{}, spanError(span, fmt.Errorf("load key %s: %w", kid, err))
	}

	key, err := cryptox.GenerateKey(s.algorithm(), s.RSABits)
	if err != nil {
		return EnsureResult{}, spanError(span, fmt.Errorf("generate key %s: %w", kid, err))
	}

	err = s.Keys.Put(ctx, domain.KeyPair{
		KeyID:      kid,
		Algorithm:  s.algorithm(),
		PublicKey:  key.Public(),
		PrivateKey: key,
		CreatedAt:  now.UTC(),
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost the race, the winner records the audit entry.
		return EnsureResult{KeyID: kid}, nil
	}
	if err != nil {
		return EnsureResult{}, spanError(span, fmt.Errorf("store key %s: %w", kid, err))
	}

	s.Logger.Info("signing key generated", "kid", kid, "algorithm", s.algorithm())
	s.Audit.Record(ctx, domain.ActionKeyGenerated,
		domain.AuditRef{Type: domain.SubjectSystem},
		domain.AuditRef{Type: domain.SubjectSigningKey, ID: kid},
		map[string]any{"key_id": kid, "algorithm": s.algorithm()},
	)
	s.Metrics.KeyGenerated(ctx, s.algorithm())
	if s.Notifier != nil {
		s.Notifier.KeyRotated(ctx, kid, s.algorithm())
	}

	return EnsureResult{KeyID: kid, Created: true}, nil
}

// RunScheduled is the scheduler entry point. Errors are logged, never
// returned; the next tick or the next Sign retries.
func (s *KeyRotationService) RunScheduled(ctx context.Context, now time.Time) {
	res, err := s.EnsureCurrentKey(ctx, now)
	if err != nil {
		s.Logger.Error("scheduled key rotation failed", "kid", domain.PeriodOf(now), "error", err)
		return
	}
	s.Logger.Debug("scheduled key rotation", "kid", res.KeyID, "created", res.Created)
}

// ListKeys returns every stored key with its state as of now, oldest first.
func (s *KeyRotationService) ListKeys(ctx context.Context, now time.Time) ([]domain.KeyInfo, error) {
	ids, err := s.Keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	infos := make([]domain.KeyInfo, 0, len(ids))
	for _, kid := range ids {
		state, _ := domain.Classify(kid, now, s.GracePeriods)
		info := domain.KeyInfo{KeyID: kid, State: state}

		kp, err := s.Keys.Get(ctx, kid)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue // purged since List
		case err != nil:
			return nil, fmt.Errorf("load key %s: %w", kid, err)
		}
		info.Algorithm = kp.Algorithm
		info.CreatedAt = kp.CreatedAt

		infos = append(infos, info)
	}
	return infos, nil
}

// VerifiableKeyIDs returns the ids of stored keys that are Active or
// Retiring as of now, newest first. It classifies by id alone and never
// reads key material.
func (s *KeyRotationService) VerifiableKeyIDs(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.Keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var out []string
	for _, kid := range slices.Backward(ids) {
		if state, err := domain.Classify(kid, now, s.GracePeriods); err == nil && state.Verifiable() {
			out = append(out, kid)
		}
	}
	return out, nil
}

// PurgeRetired deletes keys that have been Retired for more than after
// periods and returns the ids it removed. after <= 0 disables the purge.
func (s *KeyRotationService) PurgeRetired(ctx context.Context, now time.Time, after int) ([]string, error) {
	if after <= 0 {
		return nil, nil
	}

	ids, err := s.Keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var purged []string
	for _, kid := range ids {
		start, err := domain.ParsePeriod(kid)
		if err != nil {
			continue
		}
		if domain.PeriodsBetween(start, now) <= s.GracePeriods+after {
			continue
		}

		if err := s.Keys.Delete(ctx, kid); err != nil {
			return purged, fmt.Errorf("delete key %s: %w", kid, err)
		}
		purged = append(purged, kid)

		s.Logger.Info("retired signing key purged", "kid", kid)
		s.Audit.Record(ctx, domain.ActionKeyPurged,
			domain.AuditRef{Type: domain.SubjectSystem},
			domain.AuditRef{Type: domain.SubjectSigningKey, ID: kid},
			map[string]any{"key_id": kid},
		)
	}
	return purged, nil
}

func (s *KeyRotationService) algorithm() string {
	if s.Algorithm == "" {
		return cryptox.AlgEdDSA
	}
	return s.Algorithm
}

func (s *KeyRotationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// KeyRotationScheduler calls RunScheduled on a fixed interval, once at
// start and then every tick. Runs never overlap within a process and a
// double fire across processes is harmless.
type KeyRotationScheduler struct {
	Rotation *KeyRotationService
	Logger   *slog.Logger
	Interval time.Duration

	loop *loop
}

// NewKeyRotationScheduler creates a scheduler. If interval is 0 or negative,
// defaults to 24 hours.
func NewKeyRotationScheduler(rotation *KeyRotationService, logger *slog.Logger, interval time.Duration) *KeyRotationScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	s := &KeyRotationScheduler{
		Rotation: rotation,
		Logger:   logger,
		Interval: interval,
	}
	s.loop = newLoop(interval, s.tick)
	return s
}

// Start launches the background worker.
func (s *KeyRotationScheduler) Start() {
	s.loop.start()
	s.Logger.Info("key rotation scheduler started", "interval", s.Interval)
}

// Stop blocks until an in-flight run finishes.
func (s *KeyRotationScheduler) Stop() {
	s.loop.stop()
	s.Logger.Info("key rotation scheduler stopped")
}

func (s *KeyRotationScheduler) tick(ctx context.Context) {
	s.Rotation.RunScheduled(ctx, s.Rotation.now())
}
