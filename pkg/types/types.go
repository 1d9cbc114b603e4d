// Package types defines the shared domain model of the option webhook bridge:
// inbound trade signals, option contracts and quotes, order intents, broker
// positions and open orders, and the Delta-ledger vocabulary.
//
// Everything here is plain data. Components communicate by passing these
// values; behavior lives in the internal packages.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade direction of a signal or order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Right is the option right.
type Right string

const (
	Call Right = "call"
	Put  Right = "put"
)

// MarketPosition is the position state reported by the alert source.
type MarketPosition string

const (
	Long  MarketPosition = "long"
	Short MarketPosition = "short"
	Flat  MarketPosition = "flat"
)

// PositionTransition is the prev→current position pair carried by a signal.
type PositionTransition struct {
	From MarketPosition
	To   MarketPosition
}

func (t PositionTransition) String() string {
	return fmt.Sprintf("%s->%s", t.From, t.To)
}

// ParseMarketPosition validates a position string from the webhook body.
func ParseMarketPosition(s string) (MarketPosition, error) {
	switch MarketPosition(s) {
	case Long, Short, Flat:
		return MarketPosition(s), nil
	}
	return "", fmt.Errorf("invalid market position %q", s)
}

// Strategy classifies what an order intent is trying to do to the position.
type Strategy string

const (
	OpenLong   Strategy = "open_long"
	CloseLong  Strategy = "close_long"
	OpenShort  Strategy = "open_short"
	CloseShort Strategy = "close_short"
	Roll       Strategy = "roll"
)

// IsOpening reports whether the strategy establishes new exposure.
func (s Strategy) IsOpening() bool {
	return s == OpenLong || s == OpenShort || s == Roll
}

// DeltaAction classifies a row in the Delta ledger.
type DeltaAction string

const (
	ActionOpen    DeltaAction = "open"
	ActionClose   DeltaAction = "close"
	ActionAdjust  DeltaAction = "adjust"
	ActionObserve DeltaAction = "observe"
	ActionTarget  DeltaAction = "target"
)

// ParseDeltaAction validates an action string from a query parameter.
func ParseDeltaAction(s string) (DeltaAction, error) {
	switch DeltaAction(s) {
	case ActionOpen, ActionClose, ActionAdjust, ActionObserve, ActionTarget:
		return DeltaAction(s), nil
	}
	return "", fmt.Errorf("invalid delta action %q", s)
}

// Signal is an ingested trade alert. Immutable after ingress.
type Signal struct {
	AccountID     string
	Side          Side
	Transition    PositionTransition
	Size          decimal.Decimal // option contracts
	Underlying    string
	CorrelationID string // synthesized if the caller sent none
	TVSignalID    string // correlation key from the originating alert, may be empty
	Comment       string
	ReceivedAt    time.Time
}

// OptionContract describes one listed option. Transient; fetched from the
// broker chain endpoint and cached with a TTL.
type OptionContract struct {
	InstrumentID string
	Underlying   string
	Expiry       time.Time
	Strike       decimal.Decimal
	Right        Right
	TickSize     decimal.Decimal
	Multiplier   int

	// Chain-level stats used for selection tie-breaks. Delta may be zero if
	// the broker did not attach Greeks to the chain row.
	OpenInterest int64
	Volume       int64
	Delta        float64
}

// DaysToExpiry is the whole number of days between now and the contract expiry.
func (c OptionContract) DaysToExpiry(now time.Time) int {
	return int(c.Expiry.Sub(now).Hours() / 24)
}

// Chain is a snapshot of contracts for one underlying.
type Chain struct {
	Underlying string
	Contracts  []OptionContract
	FetchedAt  time.Time
}

// QuoteSnapshot is a single-shot live quote. Never persisted.
type QuoteSnapshot struct {
	InstrumentID    string
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	Last            decimal.Decimal
	Mark            decimal.Decimal
	UnderlyingPrice decimal.Decimal
	Delta           float64
	TS              time.Time
}

// HasTwoSidedMarket reports whether both touches are positive.
func (q QuoteSnapshot) HasTwoSidedMarket() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// OrderIntent is the dispatcher → engine hand-off. Immutable; ownership
// transfers to the engine on submit.
type OrderIntent struct {
	AccountID     string
	InstrumentID  string
	Side          Side
	Size          decimal.Decimal
	CorrelationID string
	TVSignalID    string
	Strategy      Strategy
	CreatedAt     time.Time
}

// DeltaAction maps the intent strategy to the ledger action written on fill.
func (i OrderIntent) DeltaAction() DeltaAction {
	switch i.Strategy {
	case OpenLong, OpenShort:
		return ActionOpen
	case CloseLong, CloseShort:
		return ActionClose
	default:
		return ActionAdjust
	}
}

// Position is a broker-reported position with Greeks.
type Position struct {
	AccountID     string
	InstrumentID  string
	Size          decimal.Decimal // signed: negative = short
	MarkPrice     decimal.Decimal
	Multiplier    int
	Delta         float64
	Gamma         float64
	Theta         float64
	Vega          float64
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// GreekTotals aggregates Greeks across an account's option positions.
type GreekTotals struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// OrderStatus is the broker-side lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// OpenOrder is a broker-reported order.
type OpenOrder struct {
	OrderID      string
	AccountID    string
	InstrumentID string
	Side         Side
	Size         decimal.Decimal
	LimitPrice   decimal.Decimal // zero for market orders
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
}

// Remaining is the unfilled portion of the order.
func (o OpenOrder) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledQty)
}

// CancelResult is the outcome of a cancel request.
type CancelResult string

const (
	CancelDone          CancelResult = "cancelled"
	CancelAlreadyFilled CancelResult = "already_filled"
	CancelNotFound      CancelResult = "not_found"
)

// Symbol is one entry of the bulk US symbol listing.
type Symbol struct {
	Ticker   string
	Name     string
	Exchange string
}

// Fill is one execution against a managed order.
type Fill struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	At    time.Time
}

// WeightedAvgPrice computes the size-weighted mean price of a fill sequence.
// Returns zero when the fills carry no quantity.
func WeightedAvgPrice(fills []Fill) decimal.Decimal {
	total := decimal.Zero
	notional := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Qty)
		notional = notional.Add(f.Price.Mul(f.Qty))
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return notional.Div(total)
}
