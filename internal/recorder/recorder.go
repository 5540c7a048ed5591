// Package recorder writes the delivery audit trail.
package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"msgate/internal/observability/metrics"
	"msgate/internal/runtime/supervisor"
	"msgate/internal/storage"
	"msgate/pkg/logx"
)

// Recorder receives one record per successfully dispatched message that has
// a client id.
//
// Contract: Record is best effort. It must return quickly, it never reports
// an error, and a lost record never affects delivery. Implementations log and
// count what they drop.
type Recorder interface {
	Record(ctx context.Context, it storage.Interaction)
}

// Writer is the persistence side; storage.Store satisfies it.
type Writer interface {
	AppendInteraction(ctx context.Context, it storage.Interaction) error
}

type Config struct {
	QueueSize       int
	WriteTimeout    time.Duration
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerCooldown time.Duration // open -> half-open
}

// Async queues records on a bounded channel drained by one worker. Writes go
// through a circuit breaker so a dead database costs one failed call per
// cooldown instead of one per message.
type Async struct {
	cfg     Config
	w       Writer
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     logx.Logger

	ch  chan storage.Interaction
	sup *supervisor.Supervisor
}

func NewAsync(cfg Config, w Writer, m *metrics.Metrics, log logx.Logger) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "recorder"))
	a := &Async{
		cfg:     cfg,
		w:       w,
		metrics: m,
		log:     log,
		ch:      make(chan storage.Interaction, cfg.QueueSize),
	}
	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "interaction-log",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= cfg.BreakerFailures },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("recorder breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return a
}

func (a *Async) Start(ctx context.Context) {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup.Go0("recorder.worker", a.loop)
}

// Stop lets the worker flush what is queued until ctx expires.
func (a *Async) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	close(a.ch)
	return a.sup.Wait(ctx)
}

func (a *Async) Record(_ context.Context, it storage.Interaction) {
	if a.w == nil {
		return
	}
	if it.At.IsZero() {
		it.At = time.Now()
	}
	defer func() {
		// Record after Stop.
		if recover() != nil {
			a.metrics.ObserveRecord("dropped")
		}
	}()
	select {
	case a.ch <- it:
	default:
		a.metrics.ObserveRecord("dropped")
		a.log.Warn("interaction dropped: queue full", logx.String("message_id", it.MessageID))
	}
}

func (a *Async) loop(ctx context.Context) {
	for it := range a.ch {
		a.write(ctx, it)
	}
}

func (a *Async) write(ctx context.Context, it storage.Interaction) {
	// Flushing during shutdown must not inherit the cancelled context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.WriteTimeout)
	defer cancel()

	_, err := a.cb.Execute(func() (any, error) {
		return nil, a.w.AppendInteraction(wctx, it)
	})
	switch {
	case err == nil:
		a.metrics.ObserveRecord("written")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		a.metrics.ObserveRecord("breaker_open")
		a.log.Debug("interaction dropped: breaker open", logx.String("message_id", it.MessageID))
	default:
		a.metrics.ObserveRecord("failed")
		a.log.Warn("interaction write failed", logx.String("message_id", it.MessageID), logx.Err(err))
	}
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(context.Context, storage.Interaction) {}
