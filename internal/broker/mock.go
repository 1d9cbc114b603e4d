// mock.go is the in-memory broker simulator. It backs mock mode (the real
// gateway swapped out at startup, everything else unchanged) and the test
// suites of every component that talks to the broker.
//
// Fill model: a limit order fills immediately at the touch when it is
// marketable (buy limit ≥ ask, sell limit ≤ bid); otherwise it rests until a
// quote update makes it marketable or a test fills it explicitly with
// FillOrder. Market orders always fill at the touch. Fills update the
// account's position, deriving the position delta from the instrument's
// quoted per-contract delta.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/pkg/types"
)

// Mock implements Gateway in memory.
type Mock struct {
	mu sync.Mutex

	chains    map[string]*types.Chain             // underlying → chain
	quotes    map[string]types.QuoteSnapshot      // instrument → quote
	orders    map[string]*types.OpenOrder         // orderID → order
	idemKeys  map[string]string                   // idempotency key → orderID
	positions map[string]map[string]types.Position // account → instrument → position
	symbols   []types.Symbol

	// queued error injections, popped per call
	errs map[string][]error

	// call counters for test assertions
	calls map[string]int

	nextID  int
	autoFill bool

	updates chan OrderUpdate
}

// NewMock creates an empty simulator with marketable-order auto-fill on.
func NewMock() *Mock {
	return &Mock{
		chains:    make(map[string]*types.Chain),
		quotes:    make(map[string]types.QuoteSnapshot),
		orders:    make(map[string]*types.OpenOrder),
		idemKeys:  make(map[string]string),
		positions: make(map[string]map[string]types.Position),
		errs:      make(map[string][]error),
		calls:     make(map[string]int),
		autoFill:  true,
		updates:   make(chan OrderUpdate, 128),
	}
}

// SetAutoFill toggles marketable-order auto-fill (tests that drive fills by
// hand turn it off).
func (m *Mock) SetAutoFill(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFill = v
}

// SetChain installs a chain snapshot for its underlying.
func (m *Mock) SetChain(chain *types.Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[chain.Underlying] = chain
}

// SetQuote installs the current quote for an instrument and, if auto-fill is
// on, fills any resting orders the new quote makes marketable.
func (m *Mock) SetQuote(q types.QuoteSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.InstrumentID] = q
	if m.autoFill {
		m.fillMarketableLocked(q.InstrumentID)
	}
}

// SetPosition installs a broker-side position.
func (m *Mock) SetPosition(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byInstrument, ok := m.positions[p.AccountID]
	if !ok {
		byInstrument = make(map[string]types.Position)
		m.positions[p.AccountID] = byInstrument
	}
	byInstrument[p.InstrumentID] = p
}

// SetSymbols installs the bulk symbol listing.
func (m *Mock) SetSymbols(symbols []types.Symbol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = symbols
}

// QueueError makes the next call to op fail with err. Multiple queued errors
// pop in order. Op names match the Gateway method snake_case names.
func (m *Mock) QueueError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = append(m.errs[op], err)
}

// Calls reports how many times op was invoked.
func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Updates exposes the simulated push stream of order events.
func (m *Mock) Updates() <-chan OrderUpdate { return m.updates }

// Order returns a copy of an order's current state for assertions.
func (m *Mock) Order(orderID string) (types.OpenOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return types.OpenOrder{}, false
	}
	return *o, true
}

func (m *Mock) takeErr(op string) error {
	queued := m.errs[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	m.errs[op] = queued[1:]
	return err
}

func (m *Mock) enter(op string) error {
	m.calls[op]++
	return m.takeErr(op)
}

// GetOptionChain returns the installed chain, optionally filtered to one expiry.
func (m *Mock) GetOptionChain(ctx context.Context, underlying string, expiry *time.Time) (*types.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_option_chain"); err != nil {
		return nil, err
	}

	chain, ok := m.chains[underlying]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "get_option_chain", Message: "no chain for " + underlying}
	}
	if expiry == nil {
		copied := *chain
		return &copied, nil
	}

	filtered := &types.Chain{Underlying: chain.Underlying, FetchedAt: chain.FetchedAt}
	for _, c := range chain.Contracts {
		if c.Expiry.Equal(*expiry) {
			filtered.Contracts = append(filtered.Contracts, c)
		}
	}
	return filtered, nil
}

// GetQuote returns the installed quote for an instrument.
func (m *Mock) GetQuote(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_quote"); err != nil {
		return nil, err
	}

	q, ok := m.quotes[instrumentID]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "get_quote", Message: "no quote for " + instrumentID}
	}
	q.TS = time.Now()
	return &q, nil
}

// GetPositions lists the account's positions.
func (m *Mock) GetPositions(ctx context.Context, accountID, currency string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_positions"); err != nil {
		return nil, err
	}

	var out []types.Position
	for _, p := range m.positions[accountID] {
		out = append(out, p)
	}
	return out, nil
}

// GetOpenOrders lists orders still open for the account.
func (m *Mock) GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_open_orders"); err != nil {
		return nil, err
	}

	var out []types.OpenOrder
	for _, o := range m.orders {
		if o.AccountID == accountID && o.Status == types.OrderOpen {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetOrderStatus returns one order in any state.
func (m *Mock) GetOrderStatus(ctx context.Context, accountID, orderID string) (*types.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_order_status"); err != nil {
		return nil, err
	}

	o, ok := m.orders[orderID]
	if !ok || o.AccountID != accountID {
		return nil, &Error{Kind: KindNotFound, Op: "get_order_status", Message: "unknown order " + orderID}
	}
	copied := *o
	return &copied, nil
}

// PlaceOrder registers an order, honoring idempotency keys, and fills it
// immediately when marketable.
func (m *Mock) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("place_order"); err != nil {
		return "", err
	}

	if req.IdempotencyKey != "" {
		if existing, ok := m.idemKeys[req.IdempotencyKey]; ok {
			return existing, nil
		}
	}
	if !req.Size.IsPositive() {
		return "", &Error{Kind: KindRejected, Op: "place_order", Message: "size must be positive"}
	}

	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	order := &types.OpenOrder{
		OrderID:      id,
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Size:         req.Size,
		LimitPrice:   req.LimitPrice,
		FilledQty:    decimal.Zero,
		Status:       types.OrderOpen,
		CreatedAt:    time.Now(),
	}
	m.orders[id] = order
	if req.IdempotencyKey != "" {
		m.idemKeys[req.IdempotencyKey] = id
	}

	if req.Market {
		q, ok := m.quotes[req.InstrumentID]
		if !ok {
			return "", &Error{Kind: KindRejected, Op: "place_order", Message: "no market for " + req.InstrumentID}
		}
		price := q.Ask
		if req.Side == types.Sell {
			price = q.Bid
		}
		m.fillLocked(order, order.Size, price)
	} else if m.autoFill {
		m.fillMarketableLocked(req.InstrumentID)
	}

	return id, nil
}

// CancelOrder cancels an open order.
func (m *Mock) CancelOrder(ctx context.Context, accountID, orderID string) (types.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("cancel_order"); err != nil {
		return "", err
	}

	o, ok := m.orders[orderID]
	if !ok || o.AccountID != accountID {
		return types.CancelNotFound, nil
	}
	switch o.Status {
	case types.OrderFilled:
		return types.CancelAlreadyFilled, nil
	case types.OrderCancelled:
		return types.CancelNotFound, nil
	}
	o.Status = types.OrderCancelled
	return types.CancelDone, nil
}

// GetUSSymbols returns the installed listing.
func (m *Mock) GetUSSymbols(ctx context.Context, accountID string) ([]types.Symbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_us_symbols"); err != nil {
		return nil, err
	}
	return m.symbols, nil
}

// FillOrder executes qty of an open order at price. Partial fills leave the
// order open with updated filled quantity.
func (m *Mock) FillOrder(orderID string, qty, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if o.Status != types.OrderOpen {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	m.fillLocked(o, qty, price)
	return nil
}

// fillMarketableLocked fills every resting order the current quote crosses.
func (m *Mock) fillMarketableLocked(instrumentID string) {
	q, ok := m.quotes[instrumentID]
	if !ok {
		return
	}
	for _, o := range m.orders {
		if o.InstrumentID != instrumentID || o.Status != types.OrderOpen {
			continue
		}
		if o.Side == types.Buy && q.Ask.IsPositive() && o.LimitPrice.GreaterThanOrEqual(q.Ask) {
			m.fillLocked(o, o.Remaining(), q.Ask)
		} else if o.Side == types.Sell && q.Bid.IsPositive() && o.LimitPrice.LessThanOrEqual(q.Bid) {
			m.fillLocked(o, o.Remaining(), q.Bid)
		}
	}
}

func (m *Mock) fillLocked(o *types.OpenOrder, qty, price decimal.Decimal) {
	if qty.GreaterThan(o.Remaining()) {
		qty = o.Remaining()
	}
	if !qty.IsPositive() {
		return
	}

	prevNotional := o.AvgFillPrice.Mul(o.FilledQty)
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgFillPrice = prevNotional.Add(price.Mul(qty)).Div(o.FilledQty)
	if o.FilledQty.GreaterThanOrEqual(o.Size) {
		o.Status = types.OrderFilled
	}

	m.applyFillToPositionLocked(o, qty, price)

	update := OrderUpdate{
		AccountID:    o.AccountID,
		OrderID:      o.OrderID,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		TS:           time.Now(),
	}
	select {
	case m.updates <- update:
	default:
	}
}

func (m *Mock) applyFillToPositionLocked(o *types.OpenOrder, qty, price decimal.Decimal) {
	byInstrument, ok := m.positions[o.AccountID]
	if !ok {
		byInstrument = make(map[string]types.Position)
		m.positions[o.AccountID] = byInstrument
	}

	pos := byInstrument[o.InstrumentID]
	pos.AccountID = o.AccountID
	pos.InstrumentID = o.InstrumentID
	if pos.Multiplier == 0 {
		pos.Multiplier = 100
	}

	signed := qty
	if o.Side == types.Sell {
		signed = qty.Neg()
	}
	pos.Size = pos.Size.Add(signed)
	pos.MarkPrice = price

	// Position delta tracks the quoted per-contract delta times signed size.
	if q, ok := m.quotes[o.InstrumentID]; ok {
		size, _ := pos.Size.Float64()
		pos.Delta = q.Delta * size
	}

	if pos.Size.IsZero() {
		delete(byInstrument, o.InstrumentID)
		return
	}
	byInstrument[o.InstrumentID] = pos
}
