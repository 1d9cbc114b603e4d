package poller

import "optionbridge/pkg/types"

// Totals sums Greeks across an account's option positions. Position Greeks
// from the broker are already position-scaled (per-contract Greek times
// signed size times multiplier), so totals are a plain sum.
func Totals(positions []types.Position) types.GreekTotals {
	var t types.GreekTotals
	for _, p := range positions {
		t.Delta += p.Delta
		t.Gamma += p.Gamma
		t.Theta += p.Theta
		t.Vega += p.Vega
	}
	return t
}
