package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/store"
)

// HousekeepingService periodically purges expired refresh tokens, old audit
// entries and retired signing keys so nothing grows without bound.
type HousekeepingService struct {
	Tokens   store.RefreshTokens
	AuditLog store.AuditLog      // optional
	Cache    *KeyCache           // optional
	Rotation *KeyRotationService // optional, needed for key purge
	Logger   *slog.Logger
	Interval time.Duration

	RefreshRetention time.Duration // keep expired tokens this long for forensics
	AuditRetention   time.Duration // 0 keeps audit entries forever
	KeyPurgeAfter    int           // periods past Retired; 0 never purges keys

	Now func() time.Time

	loop *loop
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(tokens store.RefreshTokens, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	s := &HousekeepingService{
		Tokens:   tokens,
		Logger:   logger,
		Interval: interval,
	}
	s.loop = newLoop(interval, s.cleanup)
	return s
}

// Start begins the background worker that periodically runs cleanup.
// This is non-blocking and should be called after the database is ready.
// Call Stop() to gracefully shutdown the worker.
func (s *HousekeepingService) Start() {
	s.loop.start()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the background worker.
// Blocks until the worker has finished any in-progress cleanup.
func (s *HousekeepingService) Stop() {
	s.loop.stop()
	s.Logger.Info("housekeeping service stopped")
}

// RunOnce performs a single cleanup pass.
func (s *HousekeepingService) RunOnce(ctx context.Context) { s.cleanup(ctx) }

// cleanup performs the actual deletion of expired records.
// Each step is independent - failures in one won't stop the others.
func (s *HousekeepingService) cleanup(ctx context.Context) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	s.Logger.Info("starting housekeeping cleanup")

	successful := 0

	// Expired refresh tokens past retention
	if n, err := s.Tokens.PurgeExpired(ctx, now.Add(-s.RefreshRetention)); err != nil {
		s.Logger.Error("failed to purge expired refresh tokens", "error", err)
	} else {
		s.Logger.Debug("purged expired refresh tokens", "count", n)
		successful++
	}

	// Audit retention
	if s.AuditLog != nil && s.AuditRetention > 0 {
		if n, err := s.AuditLog.PurgeBefore(ctx, now.Add(-s.AuditRetention)); err != nil {
			s.Logger.Error("failed to purge audit entries", "error", err)
		} else {
			s.Logger.Debug("purged audit entries", "count", n)
			successful++
		}
	}

	if s.Cache != nil {
		n := s.Cache.Prune(now)
		s.Logger.Debug("pruned key cache", "evicted", n)
	}

	// Retired signing keys
	if s.Rotation != nil && s.KeyPurgeAfter > 0 {
		if purged, err := s.Rotation.PurgeRetired(ctx, now, s.KeyPurgeAfter); err != nil {
			s.Logger.Error("failed to purge retired signing keys", "purged", purged, "error", err)
		} else {
			s.Logger.Debug("purged retired signing keys", "purged", purged)
			successful++
		}
	}

	s.Logger.Info("housekeeping cleanup completed", "successful_cleanups", successful)
}
