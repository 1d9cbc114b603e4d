// feed.go implements the broker's order-status push channel.
//
// The broker streams order lifecycle events (partial fills, fills, cancels)
// over a WebSocket. The feed keeps one authenticated connection, re-subscribes
// to all tracked accounts after a drop, and reconnects with exponential
// backoff (1s → 30s max). A read deadline detects silent server failures.
//
// Push events are a latency optimization only: the engine treats an
// OrderUpdate exactly like a GetOrderStatus poll result, so a dead feed
// degrades to poll-speed fills rather than incorrect behavior.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"optionbridge/pkg/types"
)

const (
	feedPingInterval     = 50 * time.Second
	feedReadTimeout      = 90 * time.Second
	feedMaxReconnectWait = 30 * time.Second
	feedWriteTimeout     = 10 * time.Second
	feedBufferSize       = 128
)

// Feed maintains the order-status push connection.
type Feed struct {
	url      string
	sessions SessionSet

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // account IDs

	updates chan OrderUpdate

	logger *slog.Logger
}

// NewFeed creates an order-status feed for the given accounts' sessions.
func NewFeed(wsURL string, sessions SessionSet, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		sessions:   sessions,
		subscribed: make(map[string]bool),
		updates:    make(chan OrderUpdate, feedBufferSize),
		logger:     logger.With("component", "broker-feed"),
	}
}

// Updates returns the read-only stream of order push events.
func (f *Feed) Updates() <-chan OrderUpdate { return f.updates }

// Subscribe registers accounts for order pushes. Safe before or after Run.
func (f *Feed) Subscribe(accountIDs []string) error {
	f.subscribedMu.Lock()
	for _, id := range accountIDs {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{
		"op":       "subscribe",
		"accounts": accountIDs,
	})
}

// Run connects and maintains the connection with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("order feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > feedMaxReconnectWait {
			backoff = feedMaxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type feedEnvelope struct {
	EventType string `json:"event_type"`
}

type feedOrderEventDTO struct {
	AccountID    string          `json:"account_id"`
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	TS           int64           `json:"ts"`
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("order feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription(ctx context.Context) error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	// Any subscribed account's session authenticates the stream; the broker
	// scopes delivery by the subscription list.
	tokens := make(map[string]string, len(ids))
	for _, id := range ids {
		sess, err := f.sessions.For(id)
		if err != nil {
			return err
		}
		tok, err := sess.Token(ctx)
		if err != nil {
			return err
		}
		tokens[id] = tok
	}

	return f.writeJSON(map[string]any{
		"op":       "subscribe",
		"accounts": ids,
		"auth":     tokens,
	})
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope feedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "order":
		var dto feedOrderEventDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		update := OrderUpdate{
			AccountID:    dto.AccountID,
			OrderID:      dto.OrderID,
			Status:       types.OrderStatus(dto.Status),
			FilledQty:    dto.FilledQty,
			AvgFillPrice: dto.AvgFillPrice,
			TS:           time.UnixMilli(dto.TS),
		}
		select {
		case f.updates <- update:
		default:
			// A full buffer only delays fill detection until the next poll.
			f.logger.Warn("order update channel full, dropping event", "order_id", dto.OrderID)
		}

	case "heartbeat":
		f.logger.Debug("feed heartbeat")

	default:
		f.logger.Debug("unknown feed event type", "type", envelope.EventType)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("feed ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; the subscription list is replayed on connect.
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("order feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
