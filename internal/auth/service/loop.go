package service

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/aussiebroadwan/authcore/internal/auth/service")

// spanError marks the span failed and hands err back.
func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// loop runs fn immediately and then on every tick until stopped. The
// context passed to fn is cancelled by stop, so a slow run is interrupted
// rather than holding up shutdown.
type loop struct {
	interval time.Duration
	fn       func(ctx context.Context)

	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
	started sync.Once
	stopped sync.Once
}

func newLoop(interval time.Duration, fn func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
}

func (l *loop) start() {
	l.started.Do(func() { go l.run() })
}

func (l *loop) stop() {
	l.stopped.Do(func() {
		l.cancel()
		// Never started, nothing to wait for.
		l.started.Do(func() { close(l.doneCh) })
		<-l.doneCh
	})
}

func (l *loop) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.fn(l.ctx)

	for {
		select {
		case <-ticker.C:
			l.fn(l.ctx)
		case <-l.ctx.Done():
			return
		}
	}
}
