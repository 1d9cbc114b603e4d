package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler, sessions SessionSet) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if sessions == nil {
		sessions = SessionSet{"acct1": StaticSession("tok-1")}
	}
	c := NewClient(ClientOptions{
		BaseURL:        srv.URL,
		CallTimeout:    2 * time.Second,
		Sessions:       sessions,
		BucketCapacity: 100,
		BucketRate:     100,
	}, slog.Default())
	return c, srv
}

func TestGetOptionChainParsesAndCaches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/options/chain", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.URL.Query().Get("underlying"); got != "SPY" {
			t.Errorf("underlying = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chainDTO{
			Underlying: "SPY",
			Contracts: []chainRowDTO{{
				InstrumentID: "SPY-250919-450-C",
				Underlying:   "SPY",
				Expiry:       "2025-09-19",
				Strike:       decimal.NewFromInt(450),
				Right:        "call",
				TickSize:     decimal.NewFromFloat(0.01),
				Multiplier:   100,
				OpenInterest: 1200,
				Volume:       340,
				Delta:        0.31,
			}},
		})
	})

	c, _ := newTestClient(t, mux, nil)

	chain, err := c.GetOptionChain(context.Background(), "SPY", nil)
	if err != nil {
		t.Fatalf("GetOptionChain: %v", err)
	}
	if len(chain.Contracts) != 1 {
		t.Fatalf("contracts = %d, want 1", len(chain.Contracts))
	}
	got := chain.Contracts[0]
	if got.Right != types.Call || !got.Strike.Equal(decimal.NewFromInt(450)) {
		t.Errorf("contract = %+v", got)
	}
	if got.Expiry.Format("2006-01-02") != "2025-09-19" {
		t.Errorf("expiry = %v", got.Expiry)
	}

	// Second fetch within the TTL must come from cache.
	if _, err := c.GetOptionChain(context.Background(), "SPY", nil); err != nil {
		t.Fatalf("cached GetOptionChain: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestGetQuoteRateLimitedCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/quotes/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c, _ := newTestClient(t, mux, nil)

	_, err := c.GetQuote(context.Background(), "SPY-250919-450-C")
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindRateLimited {
		t.Fatalf("kind = %v, want rate_limited", KindOf(err))
	}
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("error %T is not *Error", err)
	}
	if be.RetryAfter != 2*time.Second {
		t.Errorf("retry-after hint = %v, want 2s", be.RetryAfter)
	}
}

// rotatingSession flips to a fresh token on Refresh, like an external
// credential helper would.
type rotatingSession struct {
	mu       sync.Mutex
	token    string
	refreshs int
}

func (s *rotatingSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *rotatingSession) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshs++
	s.token = "tok-fresh"
	return nil
}

func TestExpiredSessionRefreshedOnce(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/acct1/positions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]positionDTO{{
			InstrumentID: "SPY-250919-450-C",
			Size:         decimal.NewFromInt(2),
			Multiplier:   100,
			Delta:        0.31,
		}})
	})

	sess := &rotatingSession{token: "tok-stale"}
	c, _ := newTestClient(t, mux, SessionSet{"acct1": sess})

	positions, err := c.GetPositions(context.Background(), "acct1", "USD")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].InstrumentID != "SPY-250919-450-C" {
		t.Fatalf("positions = %+v", positions)
	}
	if sess.refreshs != 1 {
		t.Errorf("refresh count = %d, want 1", sess.refreshs)
	}
}

func TestPlaceOrderSendsIdempotencyKeyAndMapsRejection(t *testing.T) {
	t.Parallel()

	var lastBody placeOrderDTO
	var reject atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/accounts/acct1/orders", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&lastBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if reject.Load() {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(apiErrorDTO{Code: "insufficient_margin", Message: "no"})
			return
		}
		json.NewEncoder(w).Encode(placeResponseDTO{OrderID: "ord-77"})
	})

	c, _ := newTestClient(t, mux, nil)

	id, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:      "acct1",
		InstrumentID:   "SPY-250919-450-C",
		Side:           types.Buy,
		Size:           decimal.NewFromInt(1),
		LimitPrice:     decimal.NewFromFloat(1.05),
		IdempotencyKey: "key-abc",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "ord-77" {
		t.Errorf("order id = %q", id)
	}
	if lastBody.ClientOrderID != "key-abc" || lastBody.OrderType != "limit" {
		t.Errorf("body = %+v", lastBody)
	}
	if !lastBody.LimitPrice.Equal(decimal.NewFromFloat(1.05)) {
		t.Errorf("limit price = %s", lastBody.LimitPrice)
	}

	// Market orders carry no limit price.
	if _, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:    "acct1",
		InstrumentID: "SPY-250919-450-C",
		Side:         types.Buy,
		Size:         decimal.NewFromInt(1),
		Market:       true,
	}); err != nil {
		t.Fatalf("market PlaceOrder: %v", err)
	}
	if lastBody.OrderType != "market" || !lastBody.LimitPrice.IsZero() {
		t.Errorf("market body = %+v", lastBody)
	}

	reject.Store(true)
	_, err = c.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID:    "acct1",
		InstrumentID: "SPY-250919-450-C",
		Side:         types.Buy,
		Size:         decimal.NewFromInt(1),
		LimitPrice:   decimal.NewFromFloat(1.05),
	})
	if KindOf(err) != KindRejected {
		t.Errorf("kind = %v, want rejected", KindOf(err))
	}
}

func TestCancelOrderMapsVerdicts(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/accounts/acct1/orders/ord-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cancelResponseDTO{Result: "already_filled"})
	})
	mux.HandleFunc("DELETE /v1/accounts/acct1/orders/ord-2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c, _ := newTestClient(t, mux, nil)

	res, err := c.CancelOrder(context.Background(), "acct1", "ord-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if res != types.CancelAlreadyFilled {
		t.Errorf("result = %v, want already_filled", res)
	}

	// A broker-side 404 is a verdict, not a failure.
	res, err = c.CancelOrder(context.Background(), "acct1", "ord-2")
	if err != nil {
		t.Fatalf("CancelOrder missing: %v", err)
	}
	if res != types.CancelNotFound {
		t.Errorf("result = %v, want not_found", res)
	}
}

func TestGetUSSymbolsCachedPerAccount(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/markets/us/symbols", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]symbolDTO{{Ticker: "SPY", Name: "SPDR S&P 500 ETF", Exchange: "ARCA"}})
	})

	c, _ := newTestClient(t, mux, nil)

	for i := 0; i < 3; i++ {
		symbols, err := c.GetUSSymbols(context.Background(), "acct1")
		if err != nil {
			t.Fatalf("GetUSSymbols: %v", err)
		}
		if len(symbols) != 1 || symbols[0].Ticker != "SPY" {
			t.Fatalf("symbols = %+v", symbols)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}
