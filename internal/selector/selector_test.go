package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/internal/broker"
	"optionbridge/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRightFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to types.MarketPosition
		want     types.Right
		wantErr  bool
	}{
		{types.Flat, types.Long, types.Call, false},
		{types.Short, types.Long, types.Call, false},
		{types.Short, types.Flat, types.Call, false},
		{types.Flat, types.Short, types.Put, false},
		{types.Long, types.Short, types.Put, false},
		{types.Long, types.Flat, types.Put, false},
		{types.Flat, types.Flat, "", true},
	}

	for _, tc := range cases {
		got, err := RightFor(types.PositionTransition{From: tc.from, To: tc.to})
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s->%s: expected error", tc.from, tc.to)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s->%s: %v", tc.from, tc.to, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s->%s = %s, want %s", tc.from, tc.to, got, tc.want)
		}
	}
}

// seedChain builds a call chain with two expiries (14d and 31d out) and a
// strike ladder around spot 100. Quotes carry deltas and tight spreads.
func seedChain(m *broker.Mock, spot string) {
	now := time.Now()
	expiries := map[string]time.Time{
		"near": now.AddDate(0, 0, 14),
		"mid":  now.AddDate(0, 0, 31),
	}
	type row struct {
		strike string
		delta  float64
		oi     int64
	}
	rows := []row{
		{"95", 0.62, 500},
		{"100", 0.50, 1500},
		{"105", 0.31, 900},
		{"110", 0.18, 300},
	}

	chain := &types.Chain{Underlying: "SPY"}
	for tag, exp := range expiries {
		for _, r := range rows {
			id := fmt.Sprintf("SPY-%s-C%s", tag, r.strike)
			chain.Contracts = append(chain.Contracts, types.OptionContract{
				InstrumentID: id,
				Underlying:   "SPY",
				Expiry:       exp,
				Strike:       dec(r.strike),
				Right:        types.Call,
				TickSize:     dec("0.01"),
				Multiplier:   100,
				OpenInterest: r.oi,
				Volume:       r.oi / 2,
				Delta:        r.delta,
			})
			m.SetQuote(types.QuoteSnapshot{
				InstrumentID:    id,
				Bid:             dec("2.00"),
				Ask:             dec("2.02"),
				Mark:            dec("2.01"),
				UnderlyingPrice: dec(spot),
				Delta:           r.delta,
				TS:              now,
			})
		}
	}
	m.SetChain(chain)
}

func newTestSelector(m *broker.Mock) *Selector {
	s := New(m, DefaultConfig(), slog.Default())
	s.spreadRetryDelay = time.Millisecond
	return s
}

func TestSelectOpeningPicksTargetDelta(t *testing.T) {
	m := broker.NewMock()
	seedChain(m, "100")
	s := newTestSelector(m)

	sig := types.Signal{
		AccountID:  "acct1",
		Underlying: "SPY",
		Transition: types.PositionTransition{From: types.Flat, To: types.Long},
		Size:       dec("1"),
	}

	sel, err := s.Select(context.Background(), sig, true)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// 31d expiry is closest to the 30d target; delta 0.31 is closest to 0.30.
	if sel.Contract.InstrumentID != "SPY-mid-C105" {
		t.Errorf("picked %s, want SPY-mid-C105", sel.Contract.InstrumentID)
	}
}

func TestSelectClosingPicksATM(t *testing.T) {
	m := broker.NewMock()
	seedChain(m, "101")
	s := newTestSelector(m)

	sig := types.Signal{
		AccountID:  "acct1",
		Underlying: "SPY",
		Transition: types.PositionTransition{From: types.Short, To: types.Flat},
		Size:       dec("1"),
	}

	sel, err := s.Select(context.Background(), sig, false)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !sel.Contract.Strike.Equal(dec("100")) {
		t.Errorf("picked strike %s, want 100", sel.Contract.Strike)
	}
}

func TestSelectNoExpiryInWindow(t *testing.T) {
	m := broker.NewMock()
	now := time.Now()
	m.SetChain(&types.Chain{
		Underlying: "SPY",
		Contracts: []types.OptionContract{
			{
				InstrumentID: "SPY-2d-C100",
				Underlying:   "SPY",
				Expiry:       now.AddDate(0, 0, 2), // below the 7 day floor
				Strike:       dec("100"),
				Right:        types.Call,
				TickSize:     dec("0.01"),
				Multiplier:   100,
			},
		},
	})
	s := newTestSelector(m)

	sig := types.Signal{
		AccountID:  "acct1",
		Underlying: "SPY",
		Transition: types.PositionTransition{From: types.Flat, To: types.Long},
		Size:       dec("1"),
	}

	_, err := s.Select(context.Background(), sig, true)
	if !errors.Is(err, ErrNoSuitableContract) {
		t.Fatalf("want ErrNoSuitableContract, got %v", err)
	}
}

func TestSelectUnreasonableSpreadAfterRetry(t *testing.T) {
	m := broker.NewMock()
	seedChain(m, "100")
	// Widen the market on the contract the opening rule will pick.
	m.SetQuote(types.QuoteSnapshot{
		InstrumentID:    "SPY-mid-C105",
		Bid:             dec("1.00"),
		Ask:             dec("1.60"),
		Mark:            dec("1.30"),
		UnderlyingPrice: dec("100"),
		Delta:           0.31,
		TS:              time.Now(),
	})
	s := newTestSelector(m)

	sig := types.Signal{
		AccountID:  "acct1",
		Underlying: "SPY",
		Transition: types.PositionTransition{From: types.Flat, To: types.Long},
		Size:       dec("1"),
	}

	sel, err := s.Select(context.Background(), sig, true)
	if !errors.Is(err, ErrUnreasonableSpread) {
		t.Fatalf("want ErrUnreasonableSpread, got %v", err)
	}
	if sel == nil || sel.Contract.InstrumentID != "SPY-mid-C105" {
		t.Fatalf("selection should still carry the chosen contract, got %+v", sel)
	}
}

func TestSelectSpreadRecoversOnRetry(t *testing.T) {
	m := broker.NewMock()
	seedChain(m, "100")
	s := newTestSelector(m)

	wide := types.QuoteSnapshot{
		InstrumentID:    "SPY-mid-C105",
		Bid:             dec("1.00"),
		Ask:             dec("1.60"),
		Mark:            dec("1.30"),
		UnderlyingPrice: dec("100"),
		Delta:           0.31,
		TS:              time.Now(),
	}
	m.SetQuote(wide)

	// Tighten the market right after the first gate check fails.
	go func() {
		time.Sleep(500 * time.Microsecond)
		tight := wide
		tight.Bid = dec("1.28")
		tight.Ask = dec("1.30")
		m.SetQuote(tight)
	}()
	s.spreadRetryDelay = 20 * time.Millisecond

	sig := types.Signal{
		AccountID:  "acct1",
		Underlying: "SPY",
		Transition: types.PositionTransition{From: types.Flat, To: types.Long},
		Size:       dec("1"),
	}

	sel, err := s.Select(context.Background(), sig, true)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !sel.Quote.Ask.Equal(dec("1.30")) {
		t.Errorf("selection kept stale quote: %+v", sel.Quote)
	}
}

func TestSelectTieBreakOpenInterest(t *testing.T) {
	m := broker.NewMock()
	now := time.Now()
	exp := now.AddDate(0, 0, 30)
	chain := &types.Chain{Underlying: "SPY"}
	for _, c := range []struct {
		id string
		oi int64
	}{{"SPY-A", 100}, {"SPY-B", 900}} {
		chain.Contracts = append(chain.Contracts, types.OptionContract{
			InstrumentID: c.id,
			Underlying:   "SPY",
			Expiry:       exp,
			Strike:       dec("100"),
			Right:        types.Call,
			TickSize:     dec("0.01"),
			Multiplier:   100,
			OpenInterest: c.oi,
			Delta:        0.30,
		})
		m.SetQuote(types.QuoteSnapshot{
			InstrumentID:    c.id,
			Bid:             dec("2.00"),
			Ask:             dec("2.02"),
			UnderlyingPrice: dec("100"),
			TS:              now,
		})
	}
	m.SetChain(chain)
	s := newTestSelector(m)

	sig := types.Signal{
		AccountID:  "acct1",
		Underlying: "SPY",
		Transition: types.PositionTransition{From: types.Flat, To: types.Long},
		Size:       dec("1"),
	}

	sel, err := s.Select(context.Background(), sig, true)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Contract.InstrumentID != "SPY-B" {
		t.Errorf("picked %s, want SPY-B (higher open interest)", sel.Contract.InstrumentID)
	}
}
