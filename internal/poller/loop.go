package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"optionbridge/internal/metrics"
)

// loop is the shared schedule discipline: initial tick, no overlap, error
// budget with self-disable, shortened wait after failure. A tick caught by
// shutdown gets a grace period to finish instead of being cut off mid-write.
type loop struct {
	name     LoopName
	interval time.Duration
	maxErrs  int
	grace    time.Duration
	tick     func(ctx context.Context) error
	disabled func(name LoopName, lastErr error, consecutive int)
	logger   *slog.Logger

	mu      sync.Mutex
	st      Status
	lastErr error

	tickNowCh chan struct{}
}

func newLoop(name LoopName, interval time.Duration, cfg Config,
	tick func(ctx context.Context) error,
	disabled func(LoopName, error, int),
	logger *slog.Logger) *loop {

	return &loop{
		name:     name,
		interval: interval,
		maxErrs:  cfg.MaxConsecutiveErrors,
		grace:    cfg.ShutdownGrace,
		tick:     tick,
		disabled: disabled,
		logger:   logger.With("loop", string(name)),
		st: Status{
			Enabled:  cfg.AutoStart,
			Interval: interval,
		},
		tickNowCh: make(chan struct{}, 1),
	}
}

func (l *loop) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

func (l *loop) setEnabled(enabled bool) {
	l.mu.Lock()
	l.st.Enabled = enabled
	if enabled {
		l.st.ConsecutiveErrors = 0
		l.st.LastError = ""
	}
	l.mu.Unlock()
	if enabled {
		l.tickNow()
	}
}

func (l *loop) tickNow() {
	select {
	case l.tickNowCh <- struct{}{}:
	default:
	}
}

// run executes the schedule until ctx is cancelled. The tick itself is the
// only place time is spent, so cancellation is observed at every wait.
func (l *loop) run(ctx context.Context) {
	// Initial tick fires immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-l.tickNowCh:
			l.runTick(ctx)
			// Manual ticks reset the schedule.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.interval)

		case <-timer.C:
			wait := l.interval
			if l.status().Enabled {
				started := time.Now()
				err := l.runTick(ctx)
				if err != nil {
					// Shortened wait after a failure.
					if wait > errorBackoffCap {
						wait = errorBackoffCap
					}
				}
				// The next tick is due interval after the last one STARTED;
				// an overrunning tick is followed immediately.
				wait -= time.Since(started)
				if wait < 0 {
					wait = 0
				}
			}
			timer.Reset(wait)
		}
	}
}

func (l *loop) runTick(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	started := time.Now()
	l.mu.Lock()
	l.st.LastTickStartedAt = started
	l.mu.Unlock()

	metrics.PollingTicks.WithLabelValues(string(l.name)).Inc()

	// Detach the tick from shutdown for the grace period, so an in-flight
	// tick can finish its broker calls and ledger writes.
	tickCtx := ctx
	if l.grace > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(ctx, func() {
			time.AfterFunc(l.grace, cancel)
		})
		defer stop()
	}
	err := l.tick(tickCtx)

	l.mu.Lock()
	l.st.LastTickEndedAt = time.Now()
	l.st.TickCount++
	if err != nil {
		l.lastErr = err
		l.st.LastError = err.Error()
		l.st.ConsecutiveErrors++
	} else {
		l.st.LastError = ""
		l.st.ConsecutiveErrors = 0
	}
	consecutive := l.st.ConsecutiveErrors
	hitBudget := err != nil && l.st.Enabled && consecutive >= l.maxErrs
	if hitBudget {
		l.st.Enabled = false
	}
	l.mu.Unlock()

	if err != nil {
		metrics.PollingErrors.WithLabelValues(string(l.name)).Inc()
		if ctx.Err() == nil {
			l.logger.Error("polling tick failed", "error", err, "consecutive", consecutive)
		}
	}
	if hitBudget {
		l.logger.Error("error budget exhausted, loop disabled", "consecutive", consecutive)
		l.disabled(l.name, err, consecutive)
	}
	return err
}
