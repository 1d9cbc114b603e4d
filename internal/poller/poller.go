// Package poller runs the two background reconciliation loops: positions
// (Greek observation into the Delta ledger) and open orders (broker-side
// reconciliation against the engine).
//
// Each loop keeps its own error budget and disables itself after too many
// consecutive failures; an operator re-enables it through the API. Ticks for
// one loop never overlap, and a failed tick shortens the next wait so
// recovery is observed quickly.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"optionbridge/internal/broker"
	"optionbridge/internal/deltastore"
	"optionbridge/internal/engine"
	"optionbridge/internal/metrics"
	"optionbridge/internal/notify"
	"optionbridge/pkg/types"
)

// LoopName identifies one of the two loops.
type LoopName string

const (
	PositionsLoop LoopName = "positions"
	OrdersLoop    LoopName = "orders"
)

const errorBackoffCap = 30 * time.Second

// Status is the externally visible state of one loop. Updated atomically at
// tick boundaries.
type Status struct {
	Enabled           bool          `json:"enabled"`
	Interval          time.Duration `json:"interval"`
	LastTickStartedAt time.Time     `json:"last_tick_started_at"`
	LastTickEndedAt   time.Time     `json:"last_tick_ended_at"`
	LastError         string        `json:"last_error,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	TickCount         int64         `json:"tick_count"`
}

// Reconciler is the engine surface the order loop needs.
type Reconciler interface {
	ActiveOrderRefs(accountID string) []engine.ActiveOrderRef
	Reconcile(accountID, instrumentID string)
}

// Config tunes both loops.
type Config struct {
	PositionInterval     time.Duration
	OrderInterval        time.Duration
	MaxConsecutiveErrors int
	AutoStart            bool
	DeltaChangeThreshold float64
	Concurrency          int // bound on per-account fan-out; 0 means account count
	ShutdownGrace        time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		PositionInterval:     15 * time.Minute,
		OrderInterval:        5 * time.Minute,
		MaxConsecutiveErrors: 5,
		AutoStart:            true,
		DeltaChangeThreshold: 0.01,
		ShutdownGrace:        5 * time.Second,
	}
}

// accountSnapshot is the position loop's latest view of one account.
type accountSnapshot struct {
	Positions []types.Position
	Totals    types.GreekTotals
	At        time.Time
}

// Manager owns both loops.
type Manager struct {
	gateway    broker.Gateway
	store      *deltastore.Store
	notifier   *notify.Notifier
	reconciler Reconciler
	accounts   []string
	cfg        Config
	logger     *slog.Logger

	loops map[LoopName]*loop

	snapMu    sync.RWMutex
	snapshots map[string]accountSnapshot

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Manager for the given enabled accounts.
func New(gateway broker.Gateway, store *deltastore.Store, notifier *notify.Notifier,
	reconciler Reconciler, accounts []string, cfg Config, logger *slog.Logger) *Manager {

	m := &Manager{
		gateway:    gateway,
		store:      store,
		notifier:   notifier,
		reconciler: reconciler,
		accounts:   accounts,
		cfg:        cfg,
		logger:     logger.With("component", "poller"),
		snapshots:  make(map[string]accountSnapshot),
	}
	m.loops = map[LoopName]*loop{
		PositionsLoop: newLoop(PositionsLoop, cfg.PositionInterval, cfg, m.positionsTick, m.onDisabled, m.logger),
		OrdersLoop:    newLoop(OrdersLoop, cfg.OrderInterval, cfg, m.ordersTick, m.onDisabled, m.logger),
	}
	return m
}

// Start launches both loops. They run until Stop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, l := range m.loops {
		m.wg.Add(1)
		go func(l *loop) {
			defer m.wg.Done()
			l.run(ctx)
		}(l)
	}
}

// Stop signals both loops and waits for in-flight ticks to wind down.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Statuses returns both loops' current status.
func (m *Manager) Statuses() map[LoopName]Status {
	out := make(map[LoopName]Status, len(m.loops))
	for name, l := range m.loops {
		out[name] = l.status()
	}
	return out
}

// SetEnabled starts or stops one loop. Re-enabling resets the error budget.
func (m *Manager) SetEnabled(name LoopName, enabled bool) error {
	l, ok := m.loops[name]
	if !ok {
		return fmt.Errorf("unknown polling loop %q", name)
	}
	l.setEnabled(enabled)
	return nil
}

// TickNow triggers one immediate tick regardless of the schedule.
func (m *Manager) TickNow(name LoopName) error {
	l, ok := m.loops[name]
	if !ok {
		return fmt.Errorf("unknown polling loop %q", name)
	}
	l.tickNow()
	return nil
}

// Snapshot returns the last polled positions for an account.
func (m *Manager) Snapshot(accountID string) ([]types.Position, types.GreekTotals, time.Time, bool) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s, ok := m.snapshots[accountID]
	return s.Positions, s.Totals, s.At, ok
}

func (m *Manager) onDisabled(name LoopName, lastErr error, consecutive int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.notifier.Notify(ctx, notify.Event{
		Type:  notify.PollingDisabled,
		Title: "Polling loop disabled",
		Fields: []notify.Field{
			notify.F("loop", name),
			notify.F("consecutive errors", consecutive),
			notify.F("last error", lastErr),
		},
	})
}

// forEachAccount fans the per-account work out with bounded concurrency and
// joins the failures.
func (m *Manager) forEachAccount(ctx context.Context, work func(ctx context.Context, accountID string) error) error {
	limit := m.cfg.Concurrency
	if limit <= 0 {
		limit = len(m.accounts)
	}
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	for _, acct := range m.accounts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(acct string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := work(ctx, acct); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("account %s: %w", acct, err))
				mu.Unlock()
			}
		}(acct)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) positionsTick(ctx context.Context) error {
	return m.forEachAccount(ctx, func(ctx context.Context, acct string) error {
		positions, err := m.gateway.GetPositions(ctx, acct, "USD")
		if err != nil {
			return err
		}

		totals := Totals(positions)
		m.snapMu.Lock()
		m.snapshots[acct] = accountSnapshot{Positions: positions, Totals: totals, At: time.Now()}
		m.snapMu.Unlock()

		for _, p := range positions {
			last, err := m.store.LatestObserved(acct, p.InstrumentID)
			moved := math.Abs(p.Delta - last)
			if errors.Is(err, deltastore.ErrNotFound) {
				moved = math.Inf(1) // first observation always records
			} else if err != nil {
				return err
			}
			if moved <= m.cfg.DeltaChangeThreshold {
				continue
			}

			observed := p.Delta
			rec := deltastore.Record{
				AccountID:     acct,
				InstrumentID:  p.InstrumentID,
				Action:        types.ActionObserve,
				ObservedDelta: &observed,
			}
			if _, err := m.store.Upsert(rec); err != nil {
				return fmt.Errorf("record observation for %s: %w", p.InstrumentID, err)
			}
			metrics.DeltaRecordsWritten.WithLabelValues(string(types.ActionObserve)).Inc()

			// A jump well beyond the observation threshold in one interval
			// usually means external activity on the account.
			if !math.IsInf(moved, 1) && moved > 10*m.cfg.DeltaChangeThreshold {
				m.notifier.Notify(ctx, notify.Event{
					Type:      notify.DeltaBreach,
					AccountID: acct,
					Title:     "Large delta move observed",
					Fields: []notify.Field{
						notify.F("instrument", p.InstrumentID),
						notify.F("previous", fmt.Sprintf("%.4f", last)),
						notify.F("observed", fmt.Sprintf("%.4f", observed)),
					},
				})
			}
		}
		return nil
	})
}

func (m *Manager) ordersTick(ctx context.Context) error {
	return m.forEachAccount(ctx, func(ctx context.Context, acct string) error {
		open, err := m.gateway.GetOpenOrders(ctx, acct)
		if err != nil {
			return err
		}

		brokerIDs := make(map[string]bool, len(open))
		refs := m.reconciler.ActiveOrderRefs(acct)
		known := make(map[string]bool, len(refs))
		for _, r := range refs {
			known[r.BrokerOrderID] = true
		}

		for _, o := range open {
			brokerIDs[o.OrderID] = true
			if !known[o.OrderID] {
				// Possible external activity; never adopted or cancelled.
				m.logger.Warn("unknown open order at broker",
					"account", acct,
					"order_id", o.OrderID,
					"instrument", o.InstrumentID,
					"side", o.Side,
					"size", o.Size,
				)
			}
		}

		for _, r := range refs {
			if !brokerIDs[r.BrokerOrderID] {
				m.logger.Info("managed order missing at broker, nudging engine",
					"account", acct,
					"order_id", r.BrokerOrderID,
					"instrument", r.InstrumentID,
				)
				m.reconciler.Reconcile(acct, r.InstrumentID)
			}
		}
		return nil
	})
}
