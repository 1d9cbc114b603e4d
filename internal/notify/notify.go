// Package notify delivers best-effort operator alerts for order lifecycle
// events, polling failures, and Delta breaches.
//
// Delivery never blocks or fails the caller: sends run on the caller's
// goroutine with a short retry budget, and a dead channel only costs the
// alert. The ledger and logs remain the source of truth.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"optionbridge/internal/metrics"
)

// EventType classifies an alert.
type EventType string

const (
	OrderPlaced     EventType = "order_placed"
	OrderFilled     EventType = "order_filled"
	OrderFailed     EventType = "order_failed"
	PollingDisabled EventType = "polling_disabled"
	DeltaBreach     EventType = "delta_breach"
)

// Event is one alert. Fields holds ordered key/value detail lines.
type Event struct {
	Type      EventType
	AccountID string
	Title     string
	Fields    []Field
	At        time.Time
}

// Field is one detail line of an event.
type Field struct {
	Key   string
	Value string
}

// F builds a Field from any printable value.
func F(key string, value any) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// Text renders the event as plain text, one field per line.
func (e Event) Text() string {
	var b strings.Builder
	b.WriteString(e.Title)
	for _, f := range e.Fields {
		b.WriteString("\n")
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Sink delivers events over one channel (WeChat webhook, Telegram chat).
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Notifier routes events to per-account sinks. All methods are best-effort;
// failures are logged and counted, never returned.
type Notifier struct {
	byAccount map[string]Sink
	fallback  Sink // used when an account has no channel of its own
	logger    *slog.Logger

	retries    int
	retryDelay time.Duration
}

// New creates a Notifier. fallback may be nil.
func New(byAccount map[string]Sink, fallback Sink, logger *slog.Logger) *Notifier {
	return &Notifier{
		byAccount:  byAccount,
		fallback:   fallback,
		logger:     logger.With("component", "notify"),
		retries:    3,
		retryDelay: time.Second,
	}
}

// Notify delivers the event to the account's sink. Never returns an error.
func (n *Notifier) Notify(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	sink := n.byAccount[e.AccountID]
	if sink == nil {
		sink = n.fallback
	}
	if sink == nil {
		n.logger.Debug("no notifier channel for account, dropping event",
			"account", e.AccountID, "type", e.Type)
		return
	}

	var err error
	for attempt := 1; attempt <= n.retries; attempt++ {
		if err = sink.Send(ctx, e); err == nil {
			metrics.NotificationsSent.WithLabelValues(sink.Name(), "ok").Inc()
			return
		}
		if ctx.Err() != nil {
			break
		}
		// Linear backoff keeps a flapping webhook from stalling the caller.
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * n.retryDelay):
		}
	}

	metrics.NotificationsSent.WithLabelValues(sink.Name(), "failed").Inc()
	n.logger.Warn("notification delivery failed",
		"channel", sink.Name(),
		"account", e.AccountID,
		"type", e.Type,
		"error", err,
	)
}
