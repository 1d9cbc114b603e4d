package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optionbridge/internal/broker"
	"optionbridge/internal/deltastore"
	"optionbridge/internal/metrics"
	"optionbridge/internal/notify"
	"optionbridge/internal/pricing"
	"optionbridge/pkg/types"
)

// State is a ManagedOrder lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StatePlacing        State = "placing"
	StateWorking        State = "working"
	StateStepping       State = "stepping"
	StateCancelling     State = "cancelling"
	StateMarketFallback State = "market_fallback"
	StateMarketPlaced   State = "market_placed"
	StateFilled         State = "filled"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateFailed
}

// OrderSnapshot is an immutable view of a ManagedOrder.
type OrderSnapshot struct {
	AccountID     string          `json:"account_id"`
	InstrumentID  string          `json:"instrument_id"`
	CorrelationID string          `json:"correlation_id"`
	Side          types.Side      `json:"side"`
	Size          decimal.Decimal `json:"size"`
	State         State           `json:"state"`
	StepIndex     int             `json:"step_index"`
	CurrentLimit  decimal.Decimal `json:"current_limit"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ManagedOrder walks one intent's limit price from passive to aggressive.
type ManagedOrder struct {
	eng      *Engine
	intent   types.OrderIntent
	contract types.OptionContract
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	brokerOrderID string
	currentLimit  decimal.Decimal
	stepIndex     int
	fills         []types.Fill // completed broker orders' contributions
	curFilled     decimal.Decimal
	curAvgPrice   decimal.Decimal
	cancelReason  string
	createdAt     time.Time
	updatedAt     time.Time

	updates    chan broker.OrderUpdate
	pollNowCh  chan struct{}
	cancelOnce sync.Once
	cancelReq  chan struct{}
	placedOnce sync.Once
}

func newManagedOrder(eng *Engine, intent types.OrderIntent, contract types.OptionContract) *ManagedOrder {
	now := time.Now()
	return &ManagedOrder{
		eng:      eng,
		intent:   intent,
		contract: contract,
		logger: eng.logger.With(
			"account", intent.AccountID,
			"instrument", intent.InstrumentID,
			"correlation_id", intent.CorrelationID,
		),
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
		updates:   make(chan broker.OrderUpdate, 16),
		pollNowCh: make(chan struct{}, 1),
		cancelReq: make(chan struct{}),
	}
}

func (m *ManagedOrder) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.updatedAt = time.Now()
	m.mu.Unlock()
}

// observe feeds a push event into the order's wait loop.
func (m *ManagedOrder) observe(u broker.OrderUpdate) {
	select {
	case m.updates <- u:
	default:
	}
}

// pollNow asks the wait loop to re-check broker state immediately.
func (m *ManagedOrder) pollNow() {
	select {
	case m.pollNowCh <- struct{}{}:
	default:
	}
}

// requestCancel asks the order to cancel and stop. Honored from any
// non-terminal state.
func (m *ManagedOrder) requestCancel() {
	m.cancelOnce.Do(func() { close(m.cancelReq) })
}

func (m *ManagedOrder) snapshot() OrderSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	filled, avg := m.progressLocked()
	return OrderSnapshot{
		AccountID:     m.intent.AccountID,
		InstrumentID:  m.intent.InstrumentID,
		CorrelationID: m.intent.CorrelationID,
		Side:          m.intent.Side,
		Size:          m.intent.Size,
		State:         m.state,
		StepIndex:     m.stepIndex,
		CurrentLimit:  m.currentLimit,
		FilledQty:     filled,
		AvgFillPrice:  avg,
		BrokerOrderID: m.brokerOrderID,
		CancelReason:  m.cancelReason,
		CreatedAt:     m.createdAt,
		UpdatedAt:     m.updatedAt,
	}
}

// progressLocked combines fills across all broker orders this ManagedOrder
// has issued. Size-weighted mean; filled_qty never decreases.
func (m *ManagedOrder) progressLocked() (filled, avg decimal.Decimal) {
	all := m.fills
	if m.curFilled.IsPositive() {
		all = append(append([]types.Fill{}, m.fills...), types.Fill{Price: m.curAvgPrice, Qty: m.curFilled})
	}
	for _, f := range all {
		filled = filled.Add(f.Qty)
	}
	return filled, types.WeightedAvgPrice(all)
}

func (m *ManagedOrder) totalFilled() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	filled, _ := m.progressLocked()
	return filled
}

func (m *ManagedOrder) remaining() decimal.Decimal {
	return m.intent.Size.Sub(m.totalFilled())
}

// retireCurrentOrder folds the in-flight broker order's fills into history
// before a replacement is placed.
func (m *ManagedOrder) retireCurrentOrder() {
	m.mu.Lock()
	if m.curFilled.IsPositive() {
		m.fills = append(m.fills, types.Fill{Price: m.curAvgPrice, Qty: m.curFilled})
	}
	m.curFilled = decimal.Zero
	m.curAvgPrice = decimal.Zero
	m.brokerOrderID = ""
	m.mu.Unlock()
}

// applyStatus records the broker's view of the current order. Returns true
// when the intent is completely filled.
func (m *ManagedOrder) applyStatus(filledQty, avgPrice decimal.Decimal) bool {
	m.mu.Lock()
	if filledQty.GreaterThan(m.curFilled) {
		m.curFilled = filledQty
		m.curAvgPrice = avgPrice
	}
	filled, _ := m.progressLocked()
	m.mu.Unlock()
	return filled.GreaterThanOrEqual(m.intent.Size)
}

type waitOutcome int

const (
	waitFilled waitOutcome = iota
	waitStepTimer
	waitOrderGone // broker reports the order cancelled or rejected externally
	waitCancelled
	waitShutdown
)

func (m *ManagedOrder) run(ctx context.Context) {
	err := m.execute(ctx)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		m.finishCancelled("shutdown")
	case errors.Is(err, errExternalCancel):
		m.finishCancelled("cancel requested")
	default:
		m.finishFailed(ctx, err)
	}
}

var errExternalCancel = errors.New("cancel requested")

func (m *ManagedOrder) execute(ctx context.Context) error {
	cfg := m.eng.cfg
	holds := 0
	restHolds := 0
	step := 0

	for {
		if err := m.checkInterrupts(ctx); err != nil {
			return err
		}

		quote, err := m.fetchQuote(ctx)
		if err != nil {
			return fmt.Errorf("quote before step %d: %w", step, err)
		}

		if !pricing.IsSpreadReasonable(quote.Bid, quote.Ask, m.contract.TickSize,
			cfg.SpreadRatioThreshold, cfg.SpreadTicksThreshold) {
			holds++
			if holds > cfg.SpreadHoldBudget {
				if !cfg.ForceProgress {
					return ErrUnreasonableSpreadPersisted
				}
				m.logger.Warn("forcing progress despite unreasonable spread",
					"step", step, "bid", quote.Bid, "ask", quote.Ask)
			} else {
				m.logger.Info("holding step on unreasonable spread",
					"step", step,
					"holds", holds,
					"quality", pricing.SpreadQuality(quote.Bid, quote.Ask),
				)
				if err := m.sleep(ctx, cfg.StepInterval); err != nil {
					return err
				}
				continue
			}
		} else {
			holds = 0
		}

		price, err := pricing.StepPrice(quote.Bid, quote.Ask, m.contract.TickSize,
			step, cfg.MaxSteps, string(m.intent.Side))
		if err != nil {
			return fmt.Errorf("compute step %d price: %w", step, err)
		}

		placed, err := m.placeLimit(ctx, price)
		if err != nil {
			return err
		}
		if !placed {
			// Step's place budget exhausted on transient errors; the step
			// counts as tried.
			if step >= cfg.MaxSteps {
				return m.exhausted(ctx)
			}
			step++
			m.advanceStep(step)
			continue
		}

		outcome, err := m.waitForFill(ctx, cfg.StepInterval)
		if err != nil {
			return err
		}

		// A zero-step ladder has nowhere to walk: keep the resting order
		// through the hold budget before giving up on it.
		for outcome == waitStepTimer && cfg.MaxSteps == 0 &&
			!cfg.EnableMarketFallback && restHolds < cfg.SpreadHoldBudget {
			restHolds++
			m.logger.Info("holding resting order", "holds", restHolds)
			outcome, err = m.waitForFill(ctx, cfg.StepInterval)
			if err != nil {
				return err
			}
		}

		switch outcome {
		case waitFilled:
			return m.finishFilled(ctx, "limit")

		case waitCancelled:
			m.cancelCurrent(ctx, "cancel requested")
			return errExternalCancel

		case waitShutdown:
			m.shutdownCancel()
			return context.Canceled

		case waitOrderGone:
			// Replaced or cancelled outside the engine; re-place the
			// remaining size at the same step.
			m.retireCurrentOrder()
			continue

		case waitStepTimer:
			m.setState(StateStepping)
			res, err := m.eng.gateway.CancelOrder(ctx, m.intent.AccountID, m.currentOrderID())
			if err != nil {
				if broker.KindOf(err) == broker.KindRejected {
					m.logger.Warn("cancel rejected, reconciling via order status", "error", err)
					if done := m.refreshStatus(ctx); done {
						return m.finishFilled(ctx, "limit")
					}
					continue
				}
				return fmt.Errorf("cancel at step %d: %w", step, err)
			}

			switch res {
			case types.CancelAlreadyFilled:
				m.refreshStatus(ctx)
				return m.finishFilled(ctx, "limit")
			case types.CancelDone, types.CancelNotFound:
				// Capture fills that landed before the cancel.
				m.refreshStatus(ctx)
				if m.remaining().LessThanOrEqual(decimal.Zero) {
					return m.finishFilled(ctx, "limit")
				}
				m.retireCurrentOrder()
				if step >= cfg.MaxSteps {
					return m.exhausted(ctx)
				}
				step++
				m.advanceStep(step)
				metrics.OrderSteps.Inc()
			}
		}
	}
}

func (m *ManagedOrder) advanceStep(step int) {
	m.mu.Lock()
	m.stepIndex = step
	m.updatedAt = time.Now()
	m.mu.Unlock()
}

func (m *ManagedOrder) currentOrderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brokerOrderID
}

func (m *ManagedOrder) checkInterrupts(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.cancelReq:
		return errExternalCancel
	default:
		return nil
	}
}

func (m *ManagedOrder) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.cancelReq:
		return errExternalCancel
	case <-time.After(d):
		return nil
	}
}

func (m *ManagedOrder) fetchQuote(ctx context.Context) (*types.QuoteSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		q, err := m.eng.gateway.GetQuote(ctx, m.intent.InstrumentID)
		if err == nil {
			return q, nil
		}
		lastErr = err
		if !broker.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if err := m.sleep(ctx, time.Duration(attempt+1)*500*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// placeLimit places the remaining size at price. Returns (false, nil) when
// the step's retry budget ran out on transient errors.
func (m *ManagedOrder) placeLimit(ctx context.Context, price decimal.Decimal) (bool, error) {
	m.setState(StatePlacing)

	remaining := m.remaining()
	req := broker.PlaceOrderRequest{
		AccountID:      m.intent.AccountID,
		InstrumentID:   m.intent.InstrumentID,
		Side:           m.intent.Side,
		Size:           remaining,
		LimitPrice:     price,
		IdempotencyKey: uuid.NewString(),
	}

	var lastErr error
	for attempt := 1; attempt <= m.eng.cfg.MaxPlaceRetries; attempt++ {
		orderID, err := m.eng.gateway.PlaceOrder(ctx, req)
		if err == nil {
			m.mu.Lock()
			m.brokerOrderID = orderID
			m.currentLimit = price
			m.state = StateWorking
			m.updatedAt = time.Now()
			m.mu.Unlock()
			m.eng.registerBrokerOrder(orderID, m)
			metrics.OrdersPlaced.WithLabelValues(m.intent.AccountID).Inc()
			m.logger.Info("order placed",
				"order_id", orderID,
				"side", m.intent.Side,
				"size", remaining,
				"limit", price,
				"step", m.snapshot().StepIndex,
			)
			// One placement notification per intent; later steps replace the
			// same working order and are not news.
			m.placedOnce.Do(func() {
				m.eng.notifier.Notify(ctx, notify.Event{
					Type:      notify.OrderPlaced,
					AccountID: m.intent.AccountID,
					Title:     "Order placed",
					Fields: []notify.Field{
						notify.F("instrument", m.intent.InstrumentID),
						notify.F("side", m.intent.Side),
						notify.F("size", remaining),
						notify.F("limit", price),
					},
				})
			})
			return true, nil
		}

		switch broker.KindOf(err) {
		case broker.KindRejected:
			return false, fmt.Errorf("broker rejected order: %w", err)
		case broker.KindRateLimited, broker.KindTransport:
			lastErr = err
			backoff := time.Duration(attempt) * time.Second
			if hint := broker.RetryAfterHint(err); hint > backoff {
				backoff = hint
			}
			m.logger.Warn("place retry", "attempt", attempt, "error", err, "backoff", backoff)
			if err := m.sleep(ctx, backoff); err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("place order: %w", err)
		}
	}

	m.logger.Warn("place budget exhausted, advancing step", "error", lastErr)
	return false, nil
}

// waitForFill watches the working order until the step timer fires, the
// order fills, or an interrupt arrives.
func (m *ManagedOrder) waitForFill(ctx context.Context, stepInterval time.Duration) (waitOutcome, error) {
	stepTimer := time.NewTimer(stepInterval)
	defer stepTimer.Stop()
	poll := time.NewTicker(m.eng.cfg.fillPollInterval())
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return waitShutdown, nil

		case <-m.cancelReq:
			return waitCancelled, nil

		case <-stepTimer.C:
			return waitStepTimer, nil

		case u := <-m.updates:
			if u.OrderID != m.currentOrderID() {
				continue
			}
			if done := m.applyStatus(u.FilledQty, u.AvgFillPrice); done {
				return waitFilled, nil
			}
			if u.Status == types.OrderCancelled || u.Status == types.OrderRejected {
				return waitOrderGone, nil
			}

		case <-m.pollNowCh:
			if gone, done := m.pollStatus(ctx); done {
				return waitFilled, nil
			} else if gone {
				return waitOrderGone, nil
			}

		case <-poll.C:
			if gone, done := m.pollStatus(ctx); done {
				return waitFilled, nil
			} else if gone {
				return waitOrderGone, nil
			}
		}
	}
}

// pollStatus refreshes the order from the broker. gone reports an external
// cancel or rejection; done reports a complete fill.
func (m *ManagedOrder) pollStatus(ctx context.Context) (gone, done bool) {
	o, err := m.eng.gateway.GetOrderStatus(ctx, m.intent.AccountID, m.currentOrderID())
	if err != nil {
		if broker.KindOf(err) == broker.KindNotFound {
			return true, false
		}
		m.logger.Debug("order status poll failed", "error", err)
		return false, false
	}
	if full := m.applyStatus(o.FilledQty, o.AvgFillPrice); full {
		return false, true
	}
	if o.Status == types.OrderCancelled || o.Status == types.OrderRejected {
		return true, false
	}
	return false, false
}

// refreshStatus pulls a final status snapshot for the current order. Returns
// true when the intent is completely filled.
func (m *ManagedOrder) refreshStatus(ctx context.Context) bool {
	id := m.currentOrderID()
	if id == "" {
		return false
	}
	o, err := m.eng.gateway.GetOrderStatus(ctx, m.intent.AccountID, id)
	if err != nil {
		m.logger.Debug("final status fetch failed", "order_id", id, "error", err)
		return false
	}
	return m.applyStatus(o.FilledQty, o.AvgFillPrice)
}

// exhausted handles a fully walked ladder without a complete fill.
func (m *ManagedOrder) exhausted(ctx context.Context) error {
	if !m.eng.cfg.EnableMarketFallback {
		if m.eng.cfg.MaxSteps == 0 {
			// No ladder to walk: the single resting order sat through the
			// hold budget without filling.
			return ErrUnreasonableSpreadPersisted
		}
		return ErrNotFilled
	}

	m.setState(StateMarketFallback)
	m.logger.Info("step ladder exhausted, falling back to market order",
		"remaining", m.remaining())

	req := broker.PlaceOrderRequest{
		AccountID:      m.intent.AccountID,
		InstrumentID:   m.intent.InstrumentID,
		Side:           m.intent.Side,
		Size:           m.remaining(),
		Market:         true,
		IdempotencyKey: uuid.NewString(),
	}
	orderID, err := m.eng.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("market fallback place: %w", err)
	}

	m.mu.Lock()
	m.brokerOrderID = orderID
	m.state = StateMarketPlaced
	m.updatedAt = time.Now()
	m.mu.Unlock()
	m.eng.registerBrokerOrder(orderID, m)
	metrics.OrdersPlaced.WithLabelValues(m.intent.AccountID).Inc()
	m.placedOnce.Do(func() {
		m.eng.notifier.Notify(ctx, notify.Event{
			Type:      notify.OrderPlaced,
			AccountID: m.intent.AccountID,
			Title:     "Order placed",
			Fields: []notify.Field{
				notify.F("instrument", m.intent.InstrumentID),
				notify.F("side", m.intent.Side),
				notify.F("size", req.Size),
				notify.F("type", "market"),
			},
		})
	})

	// A market order fills as fast as the broker matches it; poll until done.
	poll := time.NewTicker(m.eng.cfg.fillPollInterval())
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-m.updates:
			if u.OrderID == orderID && m.applyStatus(u.FilledQty, u.AvgFillPrice) {
				return m.finishFilled(ctx, "market")
			}
		case <-poll.C:
			if _, done := m.pollStatus(ctx); done {
				return m.finishFilled(ctx, "market")
			}
		}
	}
}

// cancelCurrent best-effort cancels the working broker order.
func (m *ManagedOrder) cancelCurrent(ctx context.Context, reason string) {
	m.setState(StateCancelling)
	id := m.currentOrderID()
	if id == "" {
		return
	}
	if _, err := m.eng.gateway.CancelOrder(ctx, m.intent.AccountID, id); err != nil {
		m.logger.Warn("cancel failed", "order_id", id, "reason", reason, "error", err)
	}
}

// shutdownCancel runs one cancel attempt under its own deadline so shutdown
// is never held hostage by a slow broker.
func (m *ManagedOrder) shutdownCancel() {
	id := m.currentOrderID()
	if id == "" {
		return
	}
	m.setState(StateCancelling)
	ctx, cancel := context.WithTimeout(context.Background(), m.eng.cfg.ShutdownGrace)
	defer cancel()
	if _, err := m.eng.gateway.CancelOrder(ctx, m.intent.AccountID, id); err != nil {
		m.logger.Warn("shutdown cancel failed, order may remain open", "order_id", id, "error", err)
	}
}

func (m *ManagedOrder) finishFilled(ctx context.Context, mode string) error {
	m.setState(StateFilled)

	snap := m.snapshot()
	m.logger.Info("order filled",
		"filled_qty", snap.FilledQty,
		"avg_price", snap.AvgFillPrice,
		"step_index", snap.StepIndex,
		"mode", mode,
	)
	metrics.OrdersFilled.WithLabelValues(m.intent.AccountID, mode).Inc()

	// Post-fill actions run under a fresh deadline; the fill already
	// happened and must be recorded even mid-shutdown.
	postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	observed, err := m.eng.observedDelta(postCtx, m.intent.AccountID, m.intent.InstrumentID)
	if err != nil {
		m.logger.Warn("post-fill position fetch failed", "error", err)
	}

	action := m.intent.DeltaAction()
	orderID := snap.BrokerOrderID
	rec := deltastore.Record{
		AccountID:     m.intent.AccountID,
		InstrumentID:  m.intent.InstrumentID,
		CorrelationID: &m.intent.CorrelationID,
		Action:        action,
		ObservedDelta: &observed,
	}
	if m.intent.TVSignalID != "" {
		rec.TVSignalID = &m.intent.TVSignalID
	}
	if orderID != "" {
		rec.OrderID = &orderID
	}
	m.eng.writeDeltaRecord(rec)
	metrics.DeltaRecordsWritten.WithLabelValues(string(action)).Inc()

	m.eng.notifier.Notify(postCtx, notify.Event{
		Type:      notify.OrderFilled,
		AccountID: m.intent.AccountID,
		Title:     "Order filled",
		Fields: []notify.Field{
			notify.F("instrument", m.intent.InstrumentID),
			notify.F("side", m.intent.Side),
			notify.F("filled", snap.FilledQty),
			notify.F("avg price", snap.AvgFillPrice),
			notify.F("steps", snap.StepIndex),
			notify.F("mode", mode),
			notify.F("observed delta", fmt.Sprintf("%.4f", observed)),
		},
	})
	return nil
}

func (m *ManagedOrder) finishCancelled(reason string) {
	m.mu.Lock()
	m.state = StateCancelled
	m.cancelReason = reason
	m.updatedAt = time.Now()
	m.mu.Unlock()
	m.logger.Info("order cancelled", "reason", reason)
}

// finishFailed records the terminal failure in the ledger so the operator
// can reconcile the missed signal, then alerts.
func (m *ManagedOrder) finishFailed(ctx context.Context, cause error) {
	m.mu.Lock()
	m.state = StateFailed
	m.cancelReason = cause.Error()
	m.updatedAt = time.Now()
	m.mu.Unlock()

	m.logger.Error("order failed", "error", cause)
	metrics.OrdersFailed.WithLabelValues(m.intent.AccountID, failReason(cause)).Inc()

	postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	observed, err := m.eng.observedDelta(postCtx, m.intent.AccountID, m.intent.InstrumentID)
	if err != nil {
		m.logger.Debug("post-failure position fetch failed", "error", err)
	}

	zero := 0.0
	rec := deltastore.Record{
		AccountID:         m.intent.AccountID,
		InstrumentID:      m.intent.InstrumentID,
		CorrelationID:     &m.intent.CorrelationID,
		Action:            types.ActionAdjust,
		MovePositionDelta: &zero,
		ObservedDelta:     &observed,
	}
	if m.intent.TVSignalID != "" {
		rec.TVSignalID = &m.intent.TVSignalID
	}
	m.eng.writeDeltaRecord(rec)
	metrics.DeltaRecordsWritten.WithLabelValues(string(types.ActionAdjust)).Inc()

	m.eng.notifier.Notify(postCtx, notify.Event{
		Type:      notify.OrderFailed,
		AccountID: m.intent.AccountID,
		Title:     "Order failed",
		Fields: []notify.Field{
			notify.F("instrument", m.intent.InstrumentID),
			notify.F("side", m.intent.Side),
			notify.F("filled", m.totalFilled()),
			notify.F("of", m.intent.Size),
			notify.F("reason", cause.Error()),
		},
	})
}

func failReason(err error) string {
	switch {
	case errors.Is(err, ErrUnreasonableSpreadPersisted):
		return "spread"
	case errors.Is(err, ErrNotFilled):
		return "not_filled"
	case broker.KindOf(err) == broker.KindRejected:
		return "rejected"
	default:
		return "error"
	}
}
