package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/internal/deltastore"
	"optionbridge/internal/selector"
	"optionbridge/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubPicker struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (p *stubPicker) Select(ctx context.Context, sig types.Signal, opening bool) (*selector.Selection, error) {
	p.mu.Lock()
	p.calls++
	delay := p.delay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	right, _ := selector.RightFor(sig.Transition)
	sel := &selector.Selection{
		Contract: types.OptionContract{
			InstrumentID: fmt.Sprintf("%s-30d-%s", sig.Underlying, right),
			Underlying:   sig.Underlying,
			Expiry:       time.Now().AddDate(0, 0, 30),
			Strike:       dec("100"),
			Right:        right,
			TickSize:     dec("0.01"),
			Multiplier:   100,
			Delta:        0.31,
		},
		Quote: types.QuoteSnapshot{
			Bid:   dec("2.00"),
			Ask:   dec("2.02"),
			Delta: 0.31,
		},
	}
	return sel, p.err
}

func (p *stubPicker) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubSubmitter struct {
	mu      sync.Mutex
	intents []types.OrderIntent
	err     error
}

func (s *stubSubmitter) Submit(intent types.OrderIntent, contract types.OptionContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.intents = append(s.intents, intent)
	return nil
}

func (s *stubSubmitter) submitted() []types.OrderIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.OrderIntent{}, s.intents...)
}

type harness struct {
	picker *stubPicker
	sub    *stubSubmitter
	store  *deltastore.Store
	disp   *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store, err := deltastore.Open(filepath.Join(t.TempDir(), "delta.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	picker := &stubPicker{}
	sub := &stubSubmitter{}
	accounts := []Account{
		{Name: "acct1", Enabled: true},
		{Name: "paused", Enabled: false},
	}
	disp := New(picker, sub, store, accounts, cfg, slog.Default())
	disp.Start(context.Background())
	t.Cleanup(disp.Stop)

	return &harness{picker: picker, sub: sub, store: store, disp: disp}
}

func signal(account, correlation string, from, to types.MarketPosition) types.Signal {
	return types.Signal{
		AccountID:     account,
		Side:          types.Buy,
		Transition:    types.PositionTransition{From: from, To: to},
		Size:          dec("1"),
		Underlying:    "SPY",
		CorrelationID: correlation,
		ReceivedAt:    time.Now(),
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	cases := []struct {
		name string
		sig  types.Signal
	}{
		{"zero size", func() types.Signal {
			s := signal("acct1", "c1", types.Flat, types.Long)
			s.Size = decimal.Zero
			return s
		}()},
		{"unknown account", signal("ghost", "c2", types.Flat, types.Long)},
		{"disabled account", signal("paused", "c3", types.Flat, types.Long)},
		{"missing correlation", func() types.Signal {
			s := signal("acct1", "", types.Flat, types.Long)
			return s
		}()},
		{"no position", signal("acct1", "c4", types.Flat, types.Flat)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.disp.Handle(context.Background(), tc.sig)
			if !errors.Is(err, ErrBadSignal) {
				t.Errorf("want ErrBadSignal, got %v", err)
			}
		})
	}

	if n := len(h.sub.submitted()); n != 0 {
		t.Errorf("rejected signals reached the engine: %d intents", n)
	}
}

func TestAcceptWritesTargetThenSubmits(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	res, err := h.disp.Handle(context.Background(), signal("acct1", "s1", types.Flat, types.Long))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Accepted || res.CorrelationID != "s1" {
		t.Errorf("unexpected ack: %+v", res)
	}
	if res.InstrumentID != "SPY-30d-call" {
		t.Errorf("ack instrument = %s", res.InstrumentID)
	}

	targets, err := h.store.ByAccount(deltastore.Query{
		AccountID: "acct1",
		Actions:   []types.DeltaAction{types.ActionTarget},
	})
	if err != nil {
		t.Fatalf("query targets: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("got %d target records, want 1", len(targets))
	}
	if targets[0].TargetDelta == nil || *targets[0].TargetDelta != 0.31 {
		t.Errorf("target delta = %v, want 0.31", targets[0].TargetDelta)
	}

	intents := h.sub.submitted()
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(intents))
	}
	if intents[0].Strategy != types.OpenLong || intents[0].Side != types.Buy {
		t.Errorf("intent = %+v", intents[0])
	}
	// The target record predates the engine hand-off.
	if targets[0].CreatedAt.After(intents[0].CreatedAt) {
		t.Errorf("target recorded after intent creation")
	}
}

func TestDuplicateSignalReplaysOutcome(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	sig := signal("acct1", "s2", types.Flat, types.Long)

	first, err := h.disp.Handle(context.Background(), sig)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.disp.Handle(context.Background(), sig)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if *first != *second {
		t.Errorf("replay differs: %+v vs %+v", first, second)
	}
	if n := len(h.sub.submitted()); n != 1 {
		t.Errorf("duplicate placed orders: %d intents, want 1", n)
	}
	targets, _ := h.store.ByAccount(deltastore.Query{
		AccountID: "acct1",
		Actions:   []types.DeltaAction{types.ActionTarget},
	})
	if len(targets) != 1 {
		t.Errorf("duplicate wrote %d target records, want 1", len(targets))
	}
}

func TestDuplicateFailureAlsoReplayed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.picker.err = selector.ErrNoSuitableContract

	sig := signal("acct1", "s3", types.Flat, types.Long)
	_, err1 := h.disp.Handle(context.Background(), sig)
	_, err2 := h.disp.Handle(context.Background(), sig)

	if err1 == nil || err2 == nil {
		t.Fatal("expected both attempts to fail")
	}
	if !errors.Is(err2, selector.ErrNoSuitableContract) {
		t.Errorf("replayed error = %v", err2)
	}
	if h.picker.callCount() != 1 {
		t.Errorf("selection ran %d times, want 1 (replay must be side-effect free)", h.picker.callCount())
	}
}

func TestCloseProceedsDespiteWideSpread(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.picker.err = selector.ErrUnreasonableSpread

	res, err := h.disp.Handle(context.Background(), signal("acct1", "s4", types.Long, types.Flat))
	if err != nil {
		t.Fatalf("close should proceed despite wide spread: %v", err)
	}
	if !res.Accepted {
		t.Errorf("close not accepted: %+v", res)
	}
	if n := len(h.sub.submitted()); n != 1 {
		t.Errorf("intents = %d, want 1", n)
	}
}

func TestOpenRejectedOnWideSpread(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.picker.err = selector.ErrUnreasonableSpread

	_, err := h.disp.Handle(context.Background(), signal("acct1", "s5", types.Flat, types.Long))
	if !errors.Is(err, selector.ErrUnreasonableSpread) {
		t.Fatalf("want ErrUnreasonableSpread, got %v", err)
	}
	if n := len(h.sub.submitted()); n != 0 {
		t.Errorf("wide-spread open reached the engine: %d intents", n)
	}
}

func TestRollExpandsToTwoLegs(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	res, err := h.disp.Handle(context.Background(), signal("acct1", "s6", types.Long, types.Short))
	if err != nil {
		t.Fatalf("handle roll: %v", err)
	}

	intents := h.sub.submitted()
	if len(intents) != 2 {
		t.Fatalf("got %d intents, want 2", len(intents))
	}
	// Close the long (sell the call) first, then open the short (buy a put).
	if intents[0].Strategy != types.CloseLong || intents[0].Side != types.Sell {
		t.Errorf("first leg = %+v", intents[0])
	}
	if intents[1].Strategy != types.OpenShort || intents[1].Side != types.Buy {
		t.Errorf("second leg = %+v", intents[1])
	}
	if intents[0].CorrelationID == intents[1].CorrelationID {
		t.Errorf("legs share a correlation id: %s", intents[0].CorrelationID)
	}
	// The ack names the new exposure.
	if res.InstrumentID != "SPY-30d-put" {
		t.Errorf("ack instrument = %s, want the opening leg's put", res.InstrumentID)
	}

	targets, _ := h.store.ByAccount(deltastore.Query{
		AccountID: "acct1",
		Actions:   []types.DeltaAction{types.ActionTarget},
	})
	if len(targets) != 2 {
		t.Errorf("got %d target records, want 2 (one per leg)", len(targets))
	}
}

// A transition that keeps the position direction is a resize; the signal
// side decides whether it adds to or trims the exposure.
func TestSamePositionResize(t *testing.T) {
	cases := []struct {
		name         string
		from, to     types.MarketPosition
		side         types.Side
		wantStrategy types.Strategy
		wantSide     types.Side
		wantRight    string
	}{
		{"add to long", types.Long, types.Long, types.Buy, types.OpenLong, types.Buy, "call"},
		{"trim long", types.Long, types.Long, types.Sell, types.CloseLong, types.Sell, "call"},
		{"add to short", types.Short, types.Short, types.Sell, types.OpenShort, types.Buy, "put"},
		{"trim short", types.Short, types.Short, types.Buy, types.CloseShort, types.Sell, "put"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())

			sig := signal("acct1", "resize-1", tc.from, tc.to)
			sig.Side = tc.side
			res, err := h.disp.Handle(context.Background(), sig)
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if !res.Accepted {
				t.Fatalf("not accepted: %+v", res)
			}
			if want := "SPY-30d-" + tc.wantRight; res.InstrumentID != want {
				t.Errorf("ack instrument = %s, want %s", res.InstrumentID, want)
			}

			intents := h.sub.submitted()
			if len(intents) != 1 {
				t.Fatalf("got %d intents, want 1", len(intents))
			}
			if intents[0].Strategy != tc.wantStrategy || intents[0].Side != tc.wantSide {
				t.Errorf("intent = %+v, want %s/%s", intents[0], tc.wantStrategy, tc.wantSide)
			}
		})
	}
}

// Two identical signals arriving at the same time must execute once; the
// loser waits for the winner's outcome instead of running its own.
func TestConcurrentDuplicateExecutesOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.picker.delay = 50 * time.Millisecond

	sig := signal("acct1", "s7", types.Flat, types.Long)

	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.disp.Handle(context.Background(), sig)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("handle %d: %v", i, errs[i])
		}
	}
	if *results[0] != *results[1] {
		t.Errorf("outcomes differ: %+v vs %+v", results[0], results[1])
	}
	if h.picker.callCount() != 1 {
		t.Errorf("selection ran %d times, want 1", h.picker.callCount())
	}
	if n := len(h.sub.submitted()); n != 1 {
		t.Errorf("got %d intents, want 1", n)
	}
}

func TestPerAccountSerialization(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := signal("acct1", fmt.Sprintf("ser-%d", i), types.Flat, types.Long)
			if _, err := h.disp.Handle(context.Background(), sig); err != nil {
				t.Errorf("handle %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if n := len(h.sub.submitted()); n != 5 {
		t.Errorf("got %d intents, want 5", n)
	}
}
