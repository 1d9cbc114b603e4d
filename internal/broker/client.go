// client.go implements the Gateway over the broker's REST API:
//
//   - GetOptionChain:  GET    /v1/options/chain            — chain snapshot, 60s cache
//   - GetQuote:        GET    /v1/quotes/{instrument}      — live top-of-book
//   - GetPositions:    GET    /v1/accounts/{a}/positions   — positions with Greeks
//   - GetOpenOrders:   GET    /v1/accounts/{a}/orders      — open orders
//   - GetOrderStatus:  GET    /v1/accounts/{a}/orders/{id} — one order, any state
//   - PlaceOrder:      POST   /v1/accounts/{a}/orders      — idempotent via client_order_id
//   - CancelOrder:     DELETE /v1/accounts/{a}/orders/{id}
//   - GetUSSymbols:    GET    /v1/markets/us/symbols       — bulk listing, 24h cache
//
// Every request waits on the account's token bucket, carries the account's
// bearer token, and maps HTTP failures onto the closed ErrorKind set. A 401
// triggers exactly one session refresh and retry before surfacing.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"optionbridge/pkg/types"
)

const (
	chainTTL   = 60 * time.Second
	symbolsTTL = 24 * time.Hour
)

// ClientOptions configures the REST gateway.
type ClientOptions struct {
	BaseURL     string
	CallTimeout time.Duration
	Sessions    SessionSet
	// Per-account request budget; the broker meters roughly 10 req/s with
	// short bursts allowed.
	BucketCapacity float64
	BucketRate     float64
}

// Client is the REST Gateway implementation.
type Client struct {
	http     *resty.Client
	rl       *RateLimiter
	sessions SessionSet
	logger   *slog.Logger

	cacheMu     sync.Mutex
	chainCache  map[string]cachedChain
	symbolCache map[string]cachedSymbols
}

type cachedChain struct {
	chain     *types.Chain
	fetchedAt time.Time
}

type cachedSymbols struct {
	symbols   []types.Symbol
	fetchedAt time.Time
}

// NewClient creates a gateway client with rate limiting and retry.
func NewClient(opts ClientOptions, logger *slog.Logger) *Client {
	timeout := opts.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	capacity, rate := opts.BucketCapacity, opts.BucketRate
	if capacity == 0 {
		capacity = 20
	}
	if rate == 0 {
		rate = 10
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:        httpClient,
		rl:          NewRateLimiter(capacity, rate),
		sessions:    opts.Sessions,
		logger:      logger.With("component", "broker-client"),
		chainCache:  make(map[string]cachedChain),
		symbolCache: make(map[string]cachedSymbols),
	}
}

// Wire DTOs. Prices travel as JSON numbers; decimal.Decimal preserves them
// exactly.

type chainRowDTO struct {
	InstrumentID string          `json:"instrument_id"`
	Underlying   string          `json:"underlying"`
	Expiry       string          `json:"expiry"` // YYYY-MM-DD
	Strike       decimal.Decimal `json:"strike"`
	Right        string          `json:"right"`
	TickSize     decimal.Decimal `json:"tick_size"`
	Multiplier   int             `json:"multiplier"`
	OpenInterest int64           `json:"open_interest"`
	Volume       int64           `json:"volume"`
	Delta        float64         `json:"delta"`
}

type chainDTO struct {
	Underlying string        `json:"underlying"`
	Contracts  []chainRowDTO `json:"contracts"`
}

type quoteDTO struct {
	InstrumentID    string          `json:"instrument_id"`
	Bid             decimal.Decimal `json:"bid"`
	Ask             decimal.Decimal `json:"ask"`
	Last            decimal.Decimal `json:"last"`
	Mark            decimal.Decimal `json:"mark"`
	UnderlyingPrice decimal.Decimal `json:"underlying_price"`
	Delta           float64         `json:"delta"`
	TS              int64           `json:"ts"` // unix millis
}

type positionDTO struct {
	InstrumentID  string          `json:"instrument_id"`
	Size          decimal.Decimal `json:"size"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	Multiplier    int             `json:"multiplier"`
	Delta         float64         `json:"delta"`
	Gamma         float64         `json:"gamma"`
	Theta         float64         `json:"theta"`
	Vega          float64         `json:"vega"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

type orderDTO struct {
	OrderID      string          `json:"order_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         string          `json:"side"`
	Size         decimal.Decimal `json:"size"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Status       string          `json:"status"`
	CreatedAt    int64           `json:"created_at"`
}

type placeOrderDTO struct {
	InstrumentID  string          `json:"instrument_id"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	OrderType     string          `json:"order_type"` // "limit" | "market"
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

type placeResponseDTO struct {
	OrderID string `json:"order_id"`
}

type cancelResponseDTO struct {
	Result string `json:"result"`
}

type symbolDTO struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
}

type apiErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do runs one authenticated request with rate limiting, classifying failures.
// On 401 it refreshes the session once and retries; a second 401 surfaces as
// Transport per the retry policy.
func (c *Client) do(ctx context.Context, accountID, op string, build func(r *resty.Request) (*resty.Response, error)) error {
	sess, err := c.sessions.For(accountID)
	if err != nil {
		return &Error{Kind: KindRejected, Op: op, Message: err.Error()}
	}

	refreshed := false
	for {
		if err := c.rl.Acquire(ctx, accountID); err != nil {
			return &Error{Kind: KindTransport, Op: op, Err: err}
		}

		token, err := sess.Token(ctx)
		if err != nil {
			return classify(op, nil, err)
		}

		resp, err := build(c.http.R().SetContext(ctx).SetAuthToken(token))
		if err != nil {
			return &Error{Kind: KindTransport, Op: op, Err: err}
		}

		if resp.StatusCode() == http.StatusUnauthorized {
			if !refreshed {
				refreshed = true
				c.logger.Info("session expired, refreshing", "account", accountID, "op", op)
				if err := sess.Refresh(ctx); err != nil {
					return &Error{Kind: KindTransport, Op: op, Message: "session refresh failed", Err: err}
				}
				continue
			}
			// Refresh did not help; surface as transport so callers retry
			// on their own budget.
			return &Error{Kind: KindTransport, Op: op, Message: "unauthorized after session refresh"}
		}

		return classify(op, resp, nil)
	}
}

// classify maps an HTTP response onto the error taxonomy; nil means success.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		var be *Error
		if e, ok := err.(*Error); ok {
			be = e
			be.Op = op
			return be
		}
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		var hint time.Duration
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				hint = time.Duration(secs) * time.Second
			}
		}
		return &Error{Kind: KindRateLimited, Op: op, Message: resp.String(), RetryAfter: hint}
	case code == http.StatusUnauthorized:
		return &Error{Kind: KindAuthExpired, Op: op, Message: resp.String()}
	case code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Message: resp.String()}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &Error{Kind: KindRejected, Op: op, Message: resp.String()}
	case code >= 500:
		return &Error{Kind: KindTransport, Op: op, Message: fmt.Sprintf("status %d: %s", code, resp.String())}
	default:
		return &Error{Kind: KindMalformed, Op: op, Message: fmt.Sprintf("unexpected status %d: %s", code, resp.String())}
	}
}

// GetOptionChain fetches the chain for an underlying, optionally restricted
// to one expiry, serving repeated lookups from a short-TTL cache.
func (c *Client) GetOptionChain(ctx context.Context, underlying string, expiry *time.Time) (*types.Chain, error) {
	key := underlying
	if expiry != nil {
		key += "|" + expiry.Format("2006-01-02")
	}

	c.cacheMu.Lock()
	if cached, ok := c.chainCache[key]; ok && time.Since(cached.fetchedAt) < chainTTL {
		c.cacheMu.Unlock()
		return cached.chain, nil
	}
	c.cacheMu.Unlock()

	// Chain reads are unauthenticated market data; still metered under a
	// shared pseudo-account so bursts stay bounded.
	if err := c.rl.Acquire(ctx, "public"); err != nil {
		return nil, &Error{Kind: KindTransport, Op: "get_option_chain", Err: err}
	}

	var dto chainDTO
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("underlying", underlying).
		SetResult(&dto)
	if expiry != nil {
		req.SetQueryParam("expiry", expiry.Format("2006-01-02"))
	}
	resp, err := req.Get("/v1/options/chain")
	if cerr := classify("get_option_chain", resp, err); cerr != nil {
		return nil, cerr
	}

	chain, err := chainFromDTO(dto)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "get_option_chain", Err: err}
	}

	c.cacheMu.Lock()
	c.chainCache[key] = cachedChain{chain: chain, fetchedAt: time.Now()}
	c.cacheMu.Unlock()

	return chain, nil
}

func chainFromDTO(dto chainDTO) (*types.Chain, error) {
	chain := &types.Chain{
		Underlying: dto.Underlying,
		Contracts:  make([]types.OptionContract, 0, len(dto.Contracts)),
		FetchedAt:  time.Now(),
	}
	for _, row := range dto.Contracts {
		expiry, err := time.Parse("2006-01-02", row.Expiry)
		if err != nil {
			return nil, fmt.Errorf("contract %s: bad expiry %q: %w", row.InstrumentID, row.Expiry, err)
		}
		chain.Contracts = append(chain.Contracts, types.OptionContract{
			InstrumentID: row.InstrumentID,
			Underlying:   row.Underlying,
			Expiry:       expiry,
			Strike:       row.Strike,
			Right:        types.Right(row.Right),
			TickSize:     row.TickSize,
			Multiplier:   row.Multiplier,
			OpenInterest: row.OpenInterest,
			Volume:       row.Volume,
			Delta:        row.Delta,
		})
	}
	return chain, nil
}

// GetQuote fetches a single-shot live quote. Never cached.
func (c *Client) GetQuote(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error) {
	if err := c.rl.Acquire(ctx, "public"); err != nil {
		return nil, &Error{Kind: KindTransport, Op: "get_quote", Err: err}
	}

	var dto quoteDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&dto).
		Get("/v1/quotes/" + instrumentID)
	if cerr := classify("get_quote", resp, err); cerr != nil {
		return nil, cerr
	}

	return &types.QuoteSnapshot{
		InstrumentID:    dto.InstrumentID,
		Bid:             dto.Bid,
		Ask:             dto.Ask,
		Last:            dto.Last,
		Mark:            dto.Mark,
		UnderlyingPrice: dto.UnderlyingPrice,
		Delta:           dto.Delta,
		TS:              time.UnixMilli(dto.TS),
	}, nil
}

// GetPositions returns the account's positions with Greeks.
func (c *Client) GetPositions(ctx context.Context, accountID, currency string) ([]types.Position, error) {
	var dtos []positionDTO
	err := c.do(ctx, accountID, "get_positions", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("currency", currency).
			SetResult(&dtos).
			Get("/v1/accounts/" + accountID + "/positions")
	})
	if err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(dtos))
	for _, d := range dtos {
		positions = append(positions, types.Position{
			AccountID:     accountID,
			InstrumentID:  d.InstrumentID,
			Size:          d.Size,
			MarkPrice:     d.MarkPrice,
			Multiplier:    d.Multiplier,
			Delta:         d.Delta,
			Gamma:         d.Gamma,
			Theta:         d.Theta,
			Vega:          d.Vega,
			UnrealizedPnL: d.UnrealizedPnL,
			RealizedPnL:   d.RealizedPnL,
		})
	}
	return positions, nil
}

// GetOpenOrders returns the account's broker-side open orders.
func (c *Client) GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error) {
	var dtos []orderDTO
	err := c.do(ctx, accountID, "get_open_orders", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("status", "open").
			SetResult(&dtos).
			Get("/v1/accounts/" + accountID + "/orders")
	})
	if err != nil {
		return nil, err
	}

	orders := make([]types.OpenOrder, 0, len(dtos))
	for _, d := range dtos {
		orders = append(orders, orderFromDTO(accountID, d))
	}
	return orders, nil
}

// GetOrderStatus returns one order in any lifecycle state.
func (c *Client) GetOrderStatus(ctx context.Context, accountID, orderID string) (*types.OpenOrder, error) {
	var dto orderDTO
	err := c.do(ctx, accountID, "get_order_status", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&dto).
			Get("/v1/accounts/" + accountID + "/orders/" + orderID)
	})
	if err != nil {
		return nil, err
	}
	order := orderFromDTO(accountID, dto)
	return &order, nil
}

func orderFromDTO(accountID string, d orderDTO) types.OpenOrder {
	return types.OpenOrder{
		OrderID:      d.OrderID,
		AccountID:    accountID,
		InstrumentID: d.InstrumentID,
		Side:         types.Side(d.Side),
		Size:         d.Size,
		LimitPrice:   d.LimitPrice,
		FilledQty:    d.FilledQty,
		AvgFillPrice: d.AvgFillPrice,
		Status:       types.OrderStatus(d.Status),
		CreatedAt:    time.UnixMilli(d.CreatedAt),
	}
}

// PlaceOrder submits an order and returns the broker order ID. A replayed
// IdempotencyKey returns the original ID rather than a duplicate order.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	body := placeOrderDTO{
		InstrumentID:  req.InstrumentID,
		Side:          string(req.Side),
		Size:          req.Size,
		OrderType:     "limit",
		ClientOrderID: req.IdempotencyKey,
	}
	if req.Market {
		body.OrderType = "market"
	} else {
		body.LimitPrice = req.LimitPrice
	}

	var result placeResponseDTO
	err := c.do(ctx, req.AccountID, "place_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).
			SetResult(&result).
			Post("/v1/accounts/" + req.AccountID + "/orders")
	})
	if err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", &Error{Kind: KindMalformed, Op: "place_order", Message: "broker returned empty order id"}
	}

	c.logger.Info("order placed",
		"account", req.AccountID,
		"instrument", req.InstrumentID,
		"side", req.Side,
		"size", req.Size,
		"limit", req.LimitPrice,
		"market", req.Market,
		"order_id", result.OrderID,
	)
	return result.OrderID, nil
}

// CancelOrder cancels an order, mapping the broker's verdict onto CancelResult.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (types.CancelResult, error) {
	var result cancelResponseDTO
	err := c.do(ctx, accountID, "cancel_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&result).
			Delete("/v1/accounts/" + accountID + "/orders/" + orderID)
	})
	if err != nil {
		if KindOf(err) == KindNotFound {
			return types.CancelNotFound, nil
		}
		return "", err
	}

	switch types.CancelResult(result.Result) {
	case types.CancelDone, types.CancelAlreadyFilled, types.CancelNotFound:
		return types.CancelResult(result.Result), nil
	default:
		return "", &Error{Kind: KindMalformed, Op: "cancel_order", Message: fmt.Sprintf("unknown cancel result %q", result.Result)}
	}
}

// GetUSSymbols returns the bulk US symbol listing, cached per account for 24h.
func (c *Client) GetUSSymbols(ctx context.Context, accountID string) ([]types.Symbol, error) {
	c.cacheMu.Lock()
	if cached, ok := c.symbolCache[accountID]; ok && time.Since(cached.fetchedAt) < symbolsTTL {
		c.cacheMu.Unlock()
		return cached.symbols, nil
	}
	c.cacheMu.Unlock()

	var dtos []symbolDTO
	err := c.do(ctx, accountID, "get_us_symbols", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&dtos).
			Get("/v1/markets/us/symbols")
	})
	if err != nil {
		return nil, err
	}

	symbols := make([]types.Symbol, 0, len(dtos))
	for _, d := range dtos {
		symbols = append(symbols, types.Symbol{Ticker: d.Ticker, Name: d.Name, Exchange: d.Exchange})
	}

	c.cacheMu.Lock()
	c.symbolCache[accountID] = cachedSymbols{symbols: symbols, fetchedAt: time.Now()}
	c.cacheMu.Unlock()

	return symbols, nil
}
