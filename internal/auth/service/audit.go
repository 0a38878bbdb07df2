package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/internal/auth/telemetry"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Auditor records security events. Record never blocks on storage and never
// fails the caller.
type Auditor interface {
	Record(ctx context.Context, action domain.AuditAction, actor, target domain.AuditRef, metadata map[string]any)
}

// AuditConfig tunes the recorder. Zero values take the defaults.
type AuditConfig struct {
	BufferSize     int           // queued entries before Record starts dropping (default 1024)
	MaxAttempts    int           // writes per entry, at least 2 (default 3)
	InitialBackoff time.Duration // first retry delay (default 100ms)
	WriteTimeout   time.Duration // per attempt (default 5s)
	Metrics        *telemetry.Metrics
	Now            func() time.Time
}

// AuditRecorder appends entries to the audit log from a single background
// worker, retrying failed writes with exponential backoff. Entries that
// cannot be persisted are written to the operational log at ERROR.
type AuditRecorder struct {
	log       store.AuditLog
	logger    *slog.Logger
	cfg       AuditConfig
	queue     chan domain.AuditEntry
	done      chan struct{}
	mu        sync.RWMutex // guards closed against sends on a closed queue
	closed    bool
	closeOnce sync.Once
}

var _ Auditor = (*AuditRecorder)(nil)

// NewAuditRecorder starts the worker. Call Close to drain it.
func NewAuditRecorder(log store.AuditLog, logger *slog.Logger, cfg AuditConfig) *AuditRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.MaxAttempts < 2 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &AuditRecorder{
		log:    log,
		logger: logger,
		cfg:    cfg,
		queue:  make(chan domain.AuditEntry, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an entry. A full queue or a closed recorder drops the
// entry with an ERROR log; it is never silent.
func (r *AuditRecorder) Record(ctx context.Context, action domain.AuditAction, actor, target domain.AuditRef, metadata map[string]any) {
	e := domain.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Metadata:  metadata,
		CreatedAt: r.cfg.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Error("audit recorder closed, entry dropped", auditAttrs(e)...)
		r.cfg.Metrics.AuditDropped(ctx, string(action))
		return
	}

	select {
	case r.queue <- e:
	default:
		r.logger.Error("audit queue full, entry dropped", auditAttrs(e)...)
		r.cfg.Metrics.AuditDropped(ctx, string(action))
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end, whichever comes first.
func (r *AuditRecorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AuditRecorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.write(e)
	}
}

func (r *AuditRecorder) write(e domain.AuditEntry) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	policy := backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1))

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()

		err := r.log.Append(ctx, e)
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil // an earlier attempt landed after all
		}
		return err
	}, policy)
	if err == nil {
		return
	}

	attrs := append(auditAttrs(e), "attempts", attempts, "error", err)
	r.logger.Error("audit write failed", attrs...)
	r.cfg.Metrics.AuditFailed(context.Background(), string(e.Action))
}

// auditAttrs is the full entry as log attributes, so a dropped entry can be
// recovered from the operational log.
func auditAttrs(e domain.AuditEntry) []any {
	return []any{
		"audit_id", e.ID,
		"action", string(e.Action),
		"actor_type", e.Actor.Type,
		"actor_id", e.Actor.ID,
		"target_type", e.Target.Type,
		"target_id", e.Target.ID,
		"metadata", e.Metadata,
		"created_at", e.CreatedAt,
	}
}
