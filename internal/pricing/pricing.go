// Package pricing holds the pure price/spread math used by contract selection
// and the progressive execution engine: tick rounding, spread-quality checks,
// and the step-price interpolation that walks a limit order from the passive
// touch toward the aggressive one.
//
// All functions are deterministic over their inputs. Price computations report
// a non-positive tick size as ErrInvalidTick; the spread gate treats it as an
// unreasonable market instead, since there is nothing sane to place on a
// broken grid either way.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidTick is returned when a tick size is zero or negative.
var ErrInvalidTick = errors.New("pricing: tick size must be positive")

// RoundMode selects the tick-rounding direction.
type RoundMode int

const (
	RoundNearest RoundMode = iota // ties resolve to the even tick
	RoundFloor
	RoundCeil
)

var two = decimal.NewFromInt(2)

// RoundToTick snaps price onto the instrument's tick grid.
func RoundToTick(price, tick decimal.Decimal, mode RoundMode) (decimal.Decimal, error) {
	if !tick.IsPositive() {
		return decimal.Zero, ErrInvalidTick
	}

	n := price.Div(tick)
	switch mode {
	case RoundFloor:
		n = n.Floor()
	case RoundCeil:
		n = n.Ceil()
	default:
		n = n.RoundBank(0)
	}
	return n.Mul(tick), nil
}

// SpreadRatio computes (ask − bid) / mid. The second return value is false
// when either touch is missing (≤ 0) or the book is crossed; callers must
// treat that as an unreasonable spread.
func SpreadRatio(bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	if !bid.IsPositive() || !ask.IsPositive() || ask.LessThan(bid) {
		return decimal.Zero, false
	}
	mid := bid.Add(ask).Div(two)
	return ask.Sub(bid).Div(mid), true
}

// SpreadInTicks is the quoted spread expressed as a whole number of ticks,
// rounded to nearest.
func SpreadInTicks(bid, ask, tick decimal.Decimal) (int64, error) {
	if !tick.IsPositive() {
		return 0, ErrInvalidTick
	}
	return ask.Sub(bid).Div(tick).Round(0).IntPart(), nil
}

// IsSpreadReasonable gates order placement on quote width. Both thresholds
// must hold; a one-sided or crossed book, or an invalid tick, is never
// reasonable.
func IsSpreadReasonable(bid, ask, tick, maxRatio, maxTicks decimal.Decimal) bool {
	if !tick.IsPositive() {
		return false
	}

	ratio, ok := SpreadRatio(bid, ask)
	if !ok {
		return false
	}
	if ratio.GreaterThan(maxRatio) {
		return false
	}

	ticks, err := SpreadInTicks(bid, ask, tick)
	if err != nil {
		return false
	}
	return decimal.NewFromInt(ticks).LessThanOrEqual(maxTicks)
}

// StepPrice returns the limit price for step k of maxSteps of the progressive
// walk. Step 0 rests on the order's own touch; step maxSteps crosses to the
// opposite touch. Intermediate and final steps round toward the aggressive
// side so progress is never lost to the tick grid: the final price is always
// at or through the opposite touch even when that touch sits off-grid.
//
// k is clamped to [0, maxSteps]; maxSteps == 0 collapses to the passive touch.
func StepPrice(bid, ask, tick decimal.Decimal, k, maxSteps int, side string) (decimal.Decimal, error) {
	if !tick.IsPositive() {
		return decimal.Zero, ErrInvalidTick
	}
	if k < 0 {
		k = 0
	}
	if k > maxSteps {
		k = maxSteps
	}

	buy := side == "buy"

	passive, aggressive := bid, ask
	if !buy {
		passive, aggressive = ask, bid
	}

	if k == 0 || maxSteps == 0 {
		return RoundToTick(passive, tick, RoundNearest)
	}

	raw := aggressive
	if k < maxSteps {
		frac := decimal.NewFromInt(int64(k)).Div(decimal.NewFromInt(int64(maxSteps)))
		raw = passive.Add(aggressive.Sub(passive).Mul(frac))
	}
	if buy {
		return RoundToTick(raw, tick, RoundCeil)
	}
	return RoundToTick(raw, tick, RoundFloor)
}

// SpreadQuality describes quote width for notifications and logs.
func SpreadQuality(bid, ask decimal.Decimal) string {
	ratio, ok := SpreadRatio(bid, ask)
	if !ok {
		return "one-sided"
	}
	switch {
	case ratio.LessThanOrEqual(decimal.RequireFromString("0.01")):
		return "excellent (<=1%)"
	case ratio.LessThanOrEqual(decimal.RequireFromString("0.05")):
		return "good (<=5%)"
	case ratio.LessThanOrEqual(decimal.RequireFromString("0.15")):
		return "fair (<=15%)"
	case ratio.LessThanOrEqual(decimal.RequireFromString("0.30")):
		return "poor (<=30%)"
	default:
		return "very poor (>30%)"
	}
}
