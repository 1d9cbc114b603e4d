package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	sent     []Event
	failures int // fail this many sends before succeeding
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Send(ctx context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("send failed")
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestNotifier(byAccount map[string]Sink, fallback Sink) *Notifier {
	n := New(byAccount, fallback, slog.Default())
	n.retryDelay = time.Millisecond
	return n
}

func TestNotifyRoutesToAccountSink(t *testing.T) {
	acct := &fakeSink{}
	fall := &fakeSink{}
	n := newTestNotifier(map[string]Sink{"acct1": acct}, fall)

	n.Notify(context.Background(), Event{Type: OrderFilled, AccountID: "acct1", Title: "filled"})
	n.Notify(context.Background(), Event{Type: OrderFilled, AccountID: "acct2", Title: "filled"})

	if acct.count() != 1 {
		t.Errorf("account sink got %d events, want 1", acct.count())
	}
	if fall.count() != 1 {
		t.Errorf("fallback sink got %d events, want 1", fall.count())
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failures: 2}
	n := newTestNotifier(map[string]Sink{"acct1": sink}, nil)

	n.Notify(context.Background(), Event{Type: OrderPlaced, AccountID: "acct1", Title: "placed"})

	if sink.count() != 1 {
		t.Errorf("event not delivered after retries: got %d", sink.count())
	}
}

func TestNotifyNeverPropagatesFailure(t *testing.T) {
	sink := &fakeSink{failures: 10}
	n := newTestNotifier(map[string]Sink{"acct1": sink}, nil)

	// Must return normally even when every attempt fails.
	n.Notify(context.Background(), Event{Type: OrderFailed, AccountID: "acct1", Title: "failed"})

	if sink.count() != 0 {
		t.Errorf("unexpected delivery: %d", sink.count())
	}
}

func TestNotifyNoChannelDropsQuietly(t *testing.T) {
	n := newTestNotifier(nil, nil)
	n.Notify(context.Background(), Event{Type: DeltaBreach, AccountID: "acct1", Title: "breach"})
}

func TestEventText(t *testing.T) {
	e := Event{
		Title: "Order filled",
		Fields: []Field{
			F("instrument", "SPY-C450"),
			F("avg price", "1.15"),
		},
	}
	want := "Order filled\ninstrument: SPY-C450\navg price: 1.15"
	if got := e.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestWeChatSinkSend(t *testing.T) {
	var got wechatMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	sink := NewWeChatSink(srv.URL, slog.Default())
	err := sink.Send(context.Background(), Event{
		Type:      OrderFilled,
		AccountID: "acct1",
		Title:     "Order filled",
		Fields:    []Field{F("instrument", "SPY-C450")},
		At:        time.Now(),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.MsgType != "markdown" {
		t.Errorf("msgtype = %q, want markdown", got.MsgType)
	}
	if !strings.Contains(got.Markdown.Content, "Order filled") ||
		!strings.Contains(got.Markdown.Content, "SPY-C450") {
		t.Errorf("markdown content missing detail: %q", got.Markdown.Content)
	}
}

func TestWeChatSinkAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errcode":93000,"errmsg":"invalid webhook url"}`))
	}))
	defer srv.Close()

	sink := NewWeChatSink(srv.URL, slog.Default())
	err := sink.Send(context.Background(), Event{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "93000") {
		t.Fatalf("want wechat api error, got %v", err)
	}
}
