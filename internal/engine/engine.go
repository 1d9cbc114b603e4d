// Package engine executes order intents with a progressive limit strategy.
//
// Each accepted intent becomes a ManagedOrder running its own goroutine.
// Orders for the same (account, instrument) pair are serialized; distinct
// instruments run in parallel. The engine owns every broker order it places
// and is the only writer of open/close/adjust rows in the Delta ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/internal/broker"
	"optionbridge/internal/deltastore"
	"optionbridge/internal/notify"
	"optionbridge/pkg/types"
)

// ErrEngineStopped is returned by Submit after Stop has been called.
var ErrEngineStopped = errors.New("engine stopped")

// ErrUnreasonableSpreadPersisted means the market stayed too wide through the
// entire hold budget and force_progress is off.
var ErrUnreasonableSpreadPersisted = errors.New("spread stayed unreasonable through hold budget")

// ErrNotFilled means the full step ladder ran out without a complete fill and
// market fallback is disabled.
var ErrNotFilled = errors.New("order not filled within step budget")

// Config tunes the execution strategy.
type Config struct {
	MaxSteps             int
	StepInterval         time.Duration
	SpreadRatioThreshold decimal.Decimal
	SpreadTicksThreshold decimal.Decimal
	SpreadHoldBudget     int
	ForceProgress        bool
	EnableMarketFallback bool
	MaxPlaceRetries      int
	ShutdownGrace        time.Duration

	// FillPollInterval is how often a Working order polls its status between
	// push updates. Derived from StepInterval when zero.
	FillPollInterval time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:             5,
		StepInterval:         8 * time.Second,
		SpreadRatioThreshold: decimal.NewFromFloat(0.15),
		SpreadTicksThreshold: decimal.NewFromInt(2),
		SpreadHoldBudget:     3,
		ForceProgress:        false,
		EnableMarketFallback: false,
		MaxPlaceRetries:      3,
		ShutdownGrace:        3 * time.Second,
	}
}

func (c Config) fillPollInterval() time.Duration {
	if c.FillPollInterval > 0 {
		return c.FillPollInterval
	}
	d := c.StepInterval / 4
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// Engine runs managed orders for all accounts.
type Engine struct {
	gateway  broker.Gateway
	store    *deltastore.Store
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	keyLocks map[string]*sync.Mutex      // (account, instrument) serialization
	active   map[string]*ManagedOrder    // key -> running order
	byBroker map[string]*ManagedOrder    // broker order id -> order, for update routing
	done     []OrderSnapshot             // terminal snapshots, bounded
}

const doneHistoryLimit = 200

// New creates an Engine. Call Start before Submit.
func New(gateway broker.Gateway, store *deltastore.Store, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		gateway:  gateway,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		keyLocks: make(map[string]*sync.Mutex),
		active:   make(map[string]*ManagedOrder),
		byBroker: make(map[string]*ManagedOrder),
	}
}

// Start binds the engine to its lifecycle context.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all managed orders and waits up to the shutdown grace for
// in-flight cancels to land. Orders still open at the broker afterwards are
// picked up by the order polling loop on next startup.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	if e.cancel == nil {
		return
	}
	e.cancel()

	doneCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(e.cfg.ShutdownGrace + time.Second):
		e.logger.Warn("engine stop timed out, orders may remain open at broker")
	}
}

func orderKey(accountID, instrumentID string) string {
	return accountID + "/" + instrumentID
}

// Submit accepts an intent for execution. It returns once the order's
// goroutine is scheduled; execution and its outcome are asynchronous.
func (e *Engine) Submit(intent types.OrderIntent, contract types.OptionContract) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	key := orderKey(intent.AccountID, intent.InstrumentID)
	lock, ok := e.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.keyLocks[key] = lock
	}
	e.mu.Unlock()

	mo := newManagedOrder(e, intent, contract)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		// Per-instrument serialization: a second intent for the same
		// instrument waits for the first to reach a terminal state.
		lock.Lock()
		defer lock.Unlock()

		e.mu.Lock()
		e.active[key] = mo
		e.mu.Unlock()

		mo.run(e.ctx)

		e.mu.Lock()
		delete(e.active, key)
		if mo.brokerOrderID != "" {
			delete(e.byBroker, mo.brokerOrderID)
		}
		e.done = append(e.done, mo.snapshot())
		if len(e.done) > doneHistoryLimit {
			e.done = e.done[len(e.done)-doneHistoryLimit:]
		}
		e.mu.Unlock()
	}()
	return nil
}

// ConsumeUpdates routes broker push events to their managed orders. Runs
// until the channel closes or the engine stops.
func (e *Engine) ConsumeUpdates(updates <-chan broker.OrderUpdate) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				e.mu.Lock()
				mo := e.byBroker[u.OrderID]
				e.mu.Unlock()
				if mo != nil {
					mo.observe(u)
				}
			}
		}
	}()
}

// registerBrokerOrder indexes a newly placed broker order for update routing.
func (e *Engine) registerBrokerOrder(orderID string, mo *ManagedOrder) {
	e.mu.Lock()
	e.byBroker[orderID] = mo
	e.mu.Unlock()
}

// Reconcile nudges the order for (account, instrument) to re-check its broker
// state immediately. Called by the order polling loop when the broker no
// longer lists an order the engine believes is working.
func (e *Engine) Reconcile(accountID, instrumentID string) {
	e.mu.Lock()
	mo := e.active[orderKey(accountID, instrumentID)]
	e.mu.Unlock()
	if mo != nil {
		mo.pollNow()
	}
}

// CancelOrder requests cancellation of the active order for an instrument.
// Returns false when no order is active.
func (e *Engine) CancelOrder(accountID, instrumentID string) bool {
	e.mu.Lock()
	mo := e.active[orderKey(accountID, instrumentID)]
	e.mu.Unlock()
	if mo == nil {
		return false
	}
	mo.requestCancel()
	return true
}

// KnownBrokerOrders returns the broker order IDs of active managed orders for
// one account.
func (e *Engine) KnownBrokerOrders(accountID string) map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool)
	for id, mo := range e.byBroker {
		if mo.intent.AccountID == accountID {
			out[id] = true
		}
	}
	return out
}

// ActiveOrderRef identifies one working broker order.
type ActiveOrderRef struct {
	BrokerOrderID string
	InstrumentID  string
}

// ActiveOrderRefs lists the broker orders the engine currently owns for one
// account. Used by the order polling loop for reconciliation.
func (e *Engine) ActiveOrderRefs(accountID string) []ActiveOrderRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ActiveOrderRef
	for id, mo := range e.byBroker {
		if mo.intent.AccountID == accountID {
			out = append(out, ActiveOrderRef{BrokerOrderID: id, InstrumentID: mo.intent.InstrumentID})
		}
	}
	return out
}

// HasActiveOrder reports whether an order is in flight for the instrument.
func (e *Engine) HasActiveOrder(accountID, instrumentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[orderKey(accountID, instrumentID)]
	return ok
}

// Snapshot returns the current state of active orders plus recent terminal
// ones, newest last.
func (e *Engine) Snapshot() []OrderSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OrderSnapshot, 0, len(e.active)+len(e.done))
	out = append(out, e.done...)
	for _, mo := range e.active {
		out = append(out, mo.snapshot())
	}
	return out
}

// writeDeltaRecord records an engine outcome in the ledger.
func (e *Engine) writeDeltaRecord(rec deltastore.Record) {
	if _, err := e.store.Upsert(rec); err != nil {
		e.logger.Error("delta record write failed",
			"account", rec.AccountID,
			"instrument", rec.InstrumentID,
			"action", rec.Action,
			"error", err,
		)
	}
}

// observedDelta fetches the account's positions and returns the delta of one
// instrument, or zero when the position is gone (fully closed).
func (e *Engine) observedDelta(ctx context.Context, accountID, instrumentID string) (float64, error) {
	positions, err := e.gateway.GetPositions(ctx, accountID, "USD")
	if err != nil {
		return 0, fmt.Errorf("fetch positions: %w", err)
	}
	for _, p := range positions {
		if p.InstrumentID == instrumentID {
			return p.Delta, nil
		}
	}
	return 0, nil
}
