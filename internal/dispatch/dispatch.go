// Package dispatch is the signal entry point: validation, deduplication,
// per-account serialization, contract selection, and hand-off to the
// execution engine.
//
// The caller gets a synchronous acknowledgement once the order intent is
// accepted; fills are asynchronous and observed through the Delta ledger and
// notifications.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/internal/deltastore"
	"optionbridge/internal/engine"
	"optionbridge/internal/metrics"
	"optionbridge/internal/selector"
	"optionbridge/pkg/types"
)

// ErrBadSignal marks a validation failure; surfaces as a 4xx response.
var ErrBadSignal = errors.New("bad signal")

// ErrBusy means the account's mailbox is full.
var ErrBusy = errors.New("dispatcher busy for account")

// RollCloseThenOpen closes the existing exposure and opens the new one as two
// sequential intents. The only supported roll policy.
const RollCloseThenOpen = "close_then_open"

const mailboxCapacity = 16

// Account is one configured trading account.
type Account struct {
	Name    string
	Enabled bool
}

// Config tunes the dispatcher.
type Config struct {
	DedupeWindow  time.Duration
	SignalTimeout time.Duration
	RollPolicy    string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		DedupeWindow:  60 * time.Second,
		SignalTimeout: 60 * time.Second,
		RollPolicy:    RollCloseThenOpen,
	}
}

// Result is the synchronous acknowledgement for an accepted signal.
type Result struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlation_id"`
	InstrumentID  string `json:"instrument_id"`
}

// Submitter is the engine surface the dispatcher needs.
type Submitter interface {
	Submit(intent types.OrderIntent, contract types.OptionContract) error
}

// Picker is the selector surface the dispatcher needs.
type Picker interface {
	Select(ctx context.Context, sig types.Signal, opening bool) (*selector.Selection, error)
}

type request struct {
	sig   types.Signal
	reply chan outcome
}

type outcome struct {
	result *Result
	err    error
}

// Dispatcher routes validated signals through selection into the engine.
type Dispatcher struct {
	picker   Picker
	engine   Submitter
	store    *deltastore.Store
	accounts map[string]Account
	cfg      Config
	logger   *slog.Logger

	dedupe *dedupeWindow

	mu        sync.Mutex
	mailboxes map[string]chan request
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Call Start before Handle.
func New(picker Picker, eng Submitter, store *deltastore.Store,
	accounts []Account, cfg Config, logger *slog.Logger) *Dispatcher {

	byName := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		byName[a.Name] = a
	}
	return &Dispatcher{
		picker:    picker,
		engine:    eng,
		store:     store,
		accounts:  byName,
		cfg:       cfg,
		logger:    logger.With("component", "dispatch"),
		dedupe:    newDedupeWindow(cfg.DedupeWindow),
		mailboxes: make(map[string]chan request),
	}
}

// Start binds the dispatcher's lifecycle.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop drains the account workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Handle processes one signal and blocks until it is accepted or rejected,
// bounded by the signal timeout. Identical replays within the dedupe window
// return the stored outcome without side effects; a duplicate arriving while
// the original is still in flight waits for that outcome instead of
// executing a second time.
func (d *Dispatcher) Handle(ctx context.Context, sig types.Signal) (*Result, error) {
	metrics.SignalsReceived.WithLabelValues(sig.AccountID).Inc()

	if err := d.validate(sig); err != nil {
		metrics.SignalsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	entry, owner := d.dedupe.begin(sig.AccountID, sig.CorrelationID)
	if !owner {
		d.logger.Info("duplicate signal replayed",
			"account", sig.AccountID, "correlation_id", sig.CorrelationID)
		metrics.SignalsRejected.WithLabelValues("duplicate").Inc()
		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.SignalTimeout)
		defer cancel()
		res, err, ok := entry.wait(waitCtx)
		if !ok {
			return nil, fmt.Errorf("signal processing timed out: %w", waitCtx.Err())
		}
		return res, err
	}

	box, err := d.mailbox(sig.AccountID)
	if err != nil {
		d.dedupe.abort(sig.AccountID, sig.CorrelationID, err)
		return nil, err
	}

	req := request{sig: sig, reply: make(chan outcome, 1)}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SignalTimeout)
	defer cancel()

	select {
	case box <- req:
	default:
		metrics.SignalsRejected.WithLabelValues("busy").Inc()
		err := fmt.Errorf("%w %s", ErrBusy, sig.AccountID)
		d.dedupe.abort(sig.AccountID, sig.CorrelationID, err)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("signal processing timed out: %w", ctx.Err())
	case out := <-req.reply:
		return out.result, out.err
	}
}

func (d *Dispatcher) validate(sig types.Signal) error {
	if sig.AccountID == "" || sig.Underlying == "" {
		return fmt.Errorf("%w: account and underlying are required", ErrBadSignal)
	}
	acct, ok := d.accounts[sig.AccountID]
	if !ok {
		return fmt.Errorf("%w: unknown account %q", ErrBadSignal, sig.AccountID)
	}
	if !acct.Enabled {
		return fmt.Errorf("%w: account %q is disabled", ErrBadSignal, sig.AccountID)
	}
	if !sig.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive", ErrBadSignal)
	}
	if sig.CorrelationID == "" {
		return fmt.Errorf("%w: correlation id is required", ErrBadSignal)
	}
	if sig.Transition.From == types.Flat && sig.Transition.To == types.Flat {
		return fmt.Errorf("%w: no position in %s", ErrBadSignal, sig.Transition)
	}
	return nil
}

// mailbox returns the account's worker queue, starting the worker on first
// use. One worker per account gives arrival-order serialization.
func (d *Dispatcher) mailbox(accountID string) (chan request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, fmt.Errorf("dispatcher stopped")
	}
	box, ok := d.mailboxes[accountID]
	if !ok {
		box = make(chan request, mailboxCapacity)
		d.mailboxes[accountID] = box
		d.wg.Add(1)
		go d.worker(accountID, box)
	}
	return box, nil
}

func (d *Dispatcher) worker(accountID string, box chan request) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case req := <-box:
			res, err := d.process(d.ctx, req.sig)
			d.dedupe.complete(req.sig.AccountID, req.sig.CorrelationID, res, err)
			req.reply <- outcome{result: res, err: err}
		}
	}
}

// leg is one execution step derived from a signal. Rolls expand to two.
type leg struct {
	transition types.PositionTransition
	strategy   types.Strategy
	side       types.Side
}

// legsFor expands a position transition into execution legs under the roll
// policy. Exposure is expressed by holding long options, so opening legs buy
// and closing legs sell.
//
// A same-position transition is a resize; the signal side disambiguates it.
// In underlying terms buy grows a long and shrinks a short, sell the reverse.
func legsFor(tr types.PositionTransition, sigSide types.Side) ([]leg, error) {
	switch {
	case tr.From == types.Flat && tr.To == types.Long:
		return []leg{{transition: tr, strategy: types.OpenLong, side: types.Buy}}, nil
	case tr.From == types.Long && tr.To == types.Flat:
		return []leg{{transition: tr, strategy: types.CloseLong, side: types.Sell}}, nil
	case tr.From == types.Flat && tr.To == types.Short:
		return []leg{{transition: tr, strategy: types.OpenShort, side: types.Buy}}, nil
	case tr.From == types.Short && tr.To == types.Flat:
		return []leg{{transition: tr, strategy: types.CloseShort, side: types.Sell}}, nil
	case tr.From == types.Long && tr.To == types.Long:
		if sigSide == types.Buy {
			return []leg{{transition: tr, strategy: types.OpenLong, side: types.Buy}}, nil
		}
		return []leg{{transition: tr, strategy: types.CloseLong, side: types.Sell}}, nil
	case tr.From == types.Short && tr.To == types.Short:
		if sigSide == types.Sell {
			return []leg{{transition: tr, strategy: types.OpenShort, side: types.Buy}}, nil
		}
		return []leg{{transition: tr, strategy: types.CloseShort, side: types.Sell}}, nil
	case tr.From == types.Long && tr.To == types.Short:
		return []leg{
			{transition: types.PositionTransition{From: types.Long, To: types.Flat}, strategy: types.CloseLong, side: types.Sell},
			{transition: types.PositionTransition{From: types.Flat, To: types.Short}, strategy: types.OpenShort, side: types.Buy},
		}, nil
	case tr.From == types.Short && tr.To == types.Long:
		return []leg{
			{transition: types.PositionTransition{From: types.Short, To: types.Flat}, strategy: types.CloseShort, side: types.Sell},
			{transition: types.PositionTransition{From: types.Flat, To: types.Long}, strategy: types.OpenLong, side: types.Buy},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported transition %s", ErrBadSignal, tr)
	}
}

func (d *Dispatcher) process(ctx context.Context, sig types.Signal) (*Result, error) {
	legs, err := legsFor(sig.Transition, sig.Side)
	if err != nil {
		return nil, err
	}

	var ackInstrument string
	for i, l := range legs {
		legSig := sig
		legSig.Transition = l.transition
		opening := l.strategy.IsOpening()

		sel, err := d.picker.Select(ctx, legSig, opening)
		if errors.Is(err, selector.ErrUnreasonableSpread) && !opening {
			// A close that cannot wait proceeds despite the wide market;
			// the engine's own spread gate still applies per step.
			d.logger.Warn("proceeding with close despite unreasonable spread",
				"account", sig.AccountID,
				"instrument", sel.Contract.InstrumentID,
			)
		} else if err != nil {
			metrics.SignalsRejected.WithLabelValues("selection").Inc()
			return nil, fmt.Errorf("contract selection: %w", err)
		}

		correlationID := sig.CorrelationID
		if len(legs) > 1 {
			// Each roll leg gets its own ledger identity.
			correlationID = fmt.Sprintf("%s/leg%d", sig.CorrelationID, i+1)
		}

		// The target record lands before any order exists; its timestamp is
		// the intent time for later reconciliation.
		target := targetDelta(sel, legSig.Size, opening)
		rec := deltastore.Record{
			AccountID:     sig.AccountID,
			InstrumentID:  sel.Contract.InstrumentID,
			CorrelationID: &correlationID,
			Action:        types.ActionTarget,
			TargetDelta:   &target,
		}
		if sig.TVSignalID != "" {
			rec.TVSignalID = &sig.TVSignalID
		}
		if _, err := d.store.Upsert(rec); err != nil {
			return nil, fmt.Errorf("record target delta: %w", err)
		}
		metrics.DeltaRecordsWritten.WithLabelValues(string(types.ActionTarget)).Inc()

		intent := types.OrderIntent{
			AccountID:     sig.AccountID,
			InstrumentID:  sel.Contract.InstrumentID,
			Side:          l.side,
			Size:          legSig.Size,
			CorrelationID: correlationID,
			TVSignalID:    sig.TVSignalID,
			Strategy:      l.strategy,
			CreatedAt:     time.Now(),
		}
		if err := d.engine.Submit(intent, sel.Contract); err != nil {
			if errors.Is(err, engine.ErrEngineStopped) {
				return nil, err
			}
			return nil, fmt.Errorf("submit intent: %w", err)
		}

		ackInstrument = sel.Contract.InstrumentID
	}

	d.logger.Info("signal dispatched",
		"account", sig.AccountID,
		"correlation_id", sig.CorrelationID,
		"transition", sig.Transition,
		"instrument", ackInstrument,
		"legs", len(legs),
	)
	return &Result{
		Accepted:      true,
		CorrelationID: sig.CorrelationID,
		InstrumentID:  ackInstrument,
	}, nil
}

// targetDelta is the delta the leg intends the position to end up with: the
// contract's per-unit delta scaled by size for an open, zero for a close.
func targetDelta(sel *selector.Selection, size decimal.Decimal, opening bool) float64 {
	if !opening {
		return 0
	}
	delta := sel.Quote.Delta
	if delta == 0 {
		delta = sel.Contract.Delta
	}
	f, _ := size.Float64()
	return delta * f
}
