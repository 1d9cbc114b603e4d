// Package selector picks the single option contract a trading signal maps to.
//
// Selection runs in three stages: the position transition fixes the option
// right, the expiry window fixes one expiry, and the moneyness rule fixes the
// strike. A spread-quality gate at the end keeps the execution engine from
// working an order in an untradeable market.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/internal/broker"
	"optionbridge/internal/pricing"
	"optionbridge/pkg/types"
)

// ErrNoSuitableContract means the chain offered nothing inside the configured
// expiry window, or no strike satisfied the moneyness rule.
var ErrNoSuitableContract = errors.New("no suitable contract")

// ErrUnreasonableSpread means a contract was chosen but its market is too wide
// to work a limit order. Close signals may proceed anyway at the caller's
// discretion.
var ErrUnreasonableSpread = errors.New("unreasonable spread on selected contract")

// MoneynessATM selects the strike closest to the underlying price.
const MoneynessATM = "atm"

// Config holds the contract selection rules.
type Config struct {
	MinDaysToExpiry    int
	MaxDaysToExpiry    int
	TargetDaysToExpiry int
	TargetDeltaOpen    float64
	MoneynessRuleClose string

	SpreadRatioThreshold        decimal.Decimal
	SpreadTickMultipleThreshold decimal.Decimal
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinDaysToExpiry:             7,
		MaxDaysToExpiry:             45,
		TargetDaysToExpiry:          30,
		TargetDeltaOpen:             0.30,
		MoneynessRuleClose:          MoneynessATM,
		SpreadRatioThreshold:        decimal.NewFromFloat(0.15),
		SpreadTickMultipleThreshold: decimal.NewFromInt(2),
	}
}

// Selector resolves signals to contracts against live chain data.
type Selector struct {
	gateway broker.Gateway
	cfg     Config
	logger  *slog.Logger

	// spreadRetryDelay is the pause before the single spread re-check.
	spreadRetryDelay time.Duration
}

// New creates a Selector over the given gateway.
func New(gateway broker.Gateway, cfg Config, logger *slog.Logger) *Selector {
	return &Selector{
		gateway:          gateway,
		cfg:              cfg,
		logger:           logger.With("component", "selector"),
		spreadRetryDelay: 2 * time.Second,
	}
}

// Selection is the outcome of a successful pick.
type Selection struct {
	Contract types.OptionContract
	Quote    types.QuoteSnapshot
}

// RightFor maps a position transition to the option right to trade.
// Long entries and short exits trade calls; short entries and long exits
// trade puts.
func RightFor(tr types.PositionTransition) (types.Right, error) {
	switch {
	case tr.To == types.Long,
		tr.From == types.Short && tr.To == types.Flat:
		return types.Call, nil
	case tr.To == types.Short,
		tr.From == types.Long && tr.To == types.Flat:
		return types.Put, nil
	default:
		return "", fmt.Errorf("no right for transition %s -> %s", tr.From, tr.To)
	}
}

// Select picks exactly one contract for the signal, or fails.
//
// A returned Selection alongside ErrUnreasonableSpread carries the chosen
// contract; callers closing a position may use it despite the wide market.
func (s *Selector) Select(ctx context.Context, sig types.Signal, opening bool) (*Selection, error) {
	right, err := RightFor(sig.Transition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuitableContract, err)
	}

	chain, err := s.gateway.GetOptionChain(ctx, sig.Underlying, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch chain for %s: %w", sig.Underlying, err)
	}

	now := time.Now()
	expiry, ok := s.pickExpiry(chain, right, now)
	if !ok {
		return nil, fmt.Errorf("%w: no %s expiry within %d..%d days for %s",
			ErrNoSuitableContract, right, s.cfg.MinDaysToExpiry, s.cfg.MaxDaysToExpiry, sig.Underlying)
	}

	candidates := contractsFor(chain, right, expiry)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: empty strike ladder for %s %s", ErrNoSuitableContract, sig.Underlying, expiry.Format("2006-01-02"))
	}

	spot, err := s.underlyingPrice(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("resolve underlying price: %w", err)
	}

	best := s.pickStrike(candidates, spot, opening)

	quote, err := s.gateway.GetQuote(ctx, best.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", best.InstrumentID, err)
	}

	sel := &Selection{Contract: best, Quote: *quote}
	if s.spreadOK(*quote, best.TickSize) {
		return sel, nil
	}

	// One retry after a short delay; quotes in thin option markets refresh
	// slowly and a momentary one-sided book is common.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.spreadRetryDelay):
	}

	quote, err = s.gateway.GetQuote(ctx, best.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", best.InstrumentID, err)
	}
	sel.Quote = *quote
	if s.spreadOK(*quote, best.TickSize) {
		return sel, nil
	}

	s.logger.Warn("selected contract has unreasonable spread",
		"instrument", best.InstrumentID,
		"bid", quote.Bid,
		"ask", quote.Ask,
		"quality", pricing.SpreadQuality(quote.Bid, quote.Ask),
	)
	return sel, ErrUnreasonableSpread
}

func (s *Selector) spreadOK(q types.QuoteSnapshot, tick decimal.Decimal) bool {
	return pricing.IsSpreadReasonable(q.Bid, q.Ask, tick,
		s.cfg.SpreadRatioThreshold, s.cfg.SpreadTickMultipleThreshold)
}

// pickExpiry returns the chain expiry inside the window closest to the target.
func (s *Selector) pickExpiry(chain *types.Chain, right types.Right, now time.Time) (time.Time, bool) {
	seen := make(map[time.Time]bool)
	var expiries []time.Time
	for _, c := range chain.Contracts {
		if c.Right != right || seen[c.Expiry] {
			continue
		}
		days := int(c.Expiry.Sub(now).Hours() / 24)
		if days < s.cfg.MinDaysToExpiry || days > s.cfg.MaxDaysToExpiry {
			continue
		}
		seen[c.Expiry] = true
		expiries = append(expiries, c.Expiry)
	}
	if len(expiries) == 0 {
		return time.Time{}, false
	}

	target := now.AddDate(0, 0, s.cfg.TargetDaysToExpiry)
	sort.Slice(expiries, func(i, j int) bool {
		di := absDuration(expiries[i].Sub(target))
		dj := absDuration(expiries[j].Sub(target))
		if di != dj {
			return di < dj
		}
		return expiries[i].Before(expiries[j])
	})
	return expiries[0], true
}

func contractsFor(chain *types.Chain, right types.Right, expiry time.Time) []types.OptionContract {
	var out []types.OptionContract
	for _, c := range chain.Contracts {
		if c.Right == right && c.Expiry.Equal(expiry) {
			out = append(out, c)
		}
	}
	return out
}

// underlyingPrice takes the spot from the first candidate quote that carries
// one. Chains list strikes around spot, so any contract's quote serves.
func (s *Selector) underlyingPrice(ctx context.Context, candidates []types.OptionContract) (decimal.Decimal, error) {
	var lastErr error
	for i, c := range candidates {
		if i >= 3 {
			break
		}
		q, err := s.gateway.GetQuote(ctx, c.InstrumentID)
		if err != nil {
			lastErr = err
			continue
		}
		if q.UnderlyingPrice.IsPositive() {
			return q.UnderlyingPrice, nil
		}
	}
	if lastErr != nil {
		return decimal.Zero, lastErr
	}
	return decimal.Zero, fmt.Errorf("no candidate quote carries an underlying price")
}

// pickStrike ranks candidates by the moneyness rule, breaking ties on open
// interest, then volume.
func (s *Selector) pickStrike(candidates []types.OptionContract, spot decimal.Decimal, opening bool) types.OptionContract {
	type scored struct {
		c     types.OptionContract
		score float64
	}

	haveDeltas := false
	for _, c := range candidates {
		if c.Delta != 0 {
			haveDeltas = true
			break
		}
	}

	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		if opening && haveDeltas {
			score = math.Abs(math.Abs(c.Delta) - s.cfg.TargetDeltaOpen)
		} else {
			// Close rule, or an opening pick with no Greeks on the chain:
			// distance from ATM as a fraction of spot.
			dist, _ := c.Strike.Sub(spot).Abs().Div(spot).Float64()
			score = dist
		}
		ranked = append(ranked, scored{c: c, score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		if ranked[i].c.OpenInterest != ranked[j].c.OpenInterest {
			return ranked[i].c.OpenInterest > ranked[j].c.OpenInterest
		}
		if ranked[i].c.Volume != ranked[j].c.Volume {
			return ranked[i].c.Volume > ranked[j].c.Volume
		}
		return ranked[i].c.Strike.LessThan(ranked[j].c.Strike)
	})
	return ranked[0].c
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
