package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Buy.Opposite() != Sell {
		t.Errorf("Buy.Opposite() = %v, want sell", Buy.Opposite())
	}
	if Sell.Opposite() != Buy {
		t.Errorf("Sell.Opposite() = %v, want buy", Sell.Opposite())
	}
}

func TestParseMarketPosition(t *testing.T) {
	t.Parallel()
	for _, valid := range []string{"long", "short", "flat"} {
		if _, err := ParseMarketPosition(valid); err != nil {
			t.Errorf("ParseMarketPosition(%q) unexpected error: %v", valid, err)
		}
	}
	if _, err := ParseMarketPosition("sideways"); err == nil {
		t.Error("ParseMarketPosition accepted invalid input")
	}
}

func TestIntentDeltaAction(t *testing.T) {
	t.Parallel()
	cases := []struct {
		strategy Strategy
		want     DeltaAction
	}{
		{OpenLong, ActionOpen},
		{OpenShort, ActionOpen},
		{CloseLong, ActionClose},
		{CloseShort, ActionClose},
		{Roll, ActionAdjust},
	}
	for _, tc := range cases {
		got := OrderIntent{Strategy: tc.strategy}.DeltaAction()
		if got != tc.want {
			t.Errorf("DeltaAction(%s) = %s, want %s", tc.strategy, got, tc.want)
		}
	}
}

func TestWeightedAvgPrice(t *testing.T) {
	t.Parallel()
	fills := []Fill{
		{Price: decimal.RequireFromString("1.00"), Qty: decimal.NewFromInt(2), At: time.Now()},
		{Price: decimal.RequireFromString("1.30"), Qty: decimal.NewFromInt(1), At: time.Now()},
	}
	got := WeightedAvgPrice(fills)
	want := decimal.RequireFromString("1.10")
	if !got.Equal(want) {
		t.Errorf("WeightedAvgPrice = %s, want %s", got, want)
	}

	if !WeightedAvgPrice(nil).IsZero() {
		t.Error("WeightedAvgPrice(nil) should be zero")
	}
}

func TestOpenOrderRemaining(t *testing.T) {
	t.Parallel()
	o := OpenOrder{Size: decimal.NewFromInt(5), FilledQty: decimal.NewFromInt(2)}
	if !o.Remaining().Equal(decimal.NewFromInt(3)) {
		t.Errorf("Remaining = %s, want 3", o.Remaining())
	}
}
