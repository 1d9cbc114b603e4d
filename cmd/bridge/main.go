// Command bridge runs the option webhook bridge: it accepts TradingView-style
// trade signals over HTTP, selects option contracts, works orders with a
// progressive limit strategy, and tracks position Delta in a durable ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"optionbridge/internal/api"
	"optionbridge/internal/broker"
	"optionbridge/internal/config"
	"optionbridge/internal/deltastore"
	"optionbridge/internal/dispatch"
	"optionbridge/internal/engine"
	"optionbridge/internal/notify"
	"optionbridge/internal/poller"
	"optionbridge/internal/selector"
	"optionbridge/pkg/types"
)

const (
	exitOK            = 0
	exitStartupError  = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	// Local overrides for credentials refs; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitStartupError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitInvalidConfig
	}

	logger := buildLogger(cfg.Log)
	logger.Info("starting option bridge",
		"version", cfg.Version,
		"mock_mode", cfg.MockMode,
		"accounts", cfg.EnabledAccounts(),
	)

	store, err := deltastore.Open(cfg.Delta.DBPath, logger)
	if err != nil {
		logger.Error("open delta store", "error", err)
		return exitStartupError
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Gateway: real broker client, or the in-memory simulator.
	var gateway broker.Gateway
	var updates <-chan broker.OrderUpdate
	var feed *broker.Feed

	if cfg.MockMode {
		mock := broker.NewMock()
		seedMock(mock)
		gateway = mock
		updates = mock.Updates()
	} else {
		sessions, err := buildSessions(cfg.Accounts)
		if err != nil {
			logger.Error("broker sessions", "error", err)
			return exitStartupError
		}
		gateway = broker.NewClient(broker.ClientOptions{
			BaseURL:        cfg.Broker.BaseURL,
			CallTimeout:    cfg.CallTimeout(),
			Sessions:       sessions,
			BucketCapacity: float64(cfg.Broker.RateLimitCapacity),
			BucketRate:     cfg.Broker.RateLimitPerSecond,
		}, logger)

		if cfg.Broker.WSURL != "" {
			feed = broker.NewFeed(cfg.Broker.WSURL, sessions, logger)
			if err := feed.Subscribe(cfg.EnabledAccounts()); err != nil {
				logger.Error("feed subscription", "error", err)
				return exitStartupError
			}
			updates = feed.Updates()
			go func() {
				if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("order feed stopped", "error", err)
				}
			}()
		}
	}

	notifier := buildNotifier(cfg, logger)

	sel := selector.New(gateway, selector.Config{
		MinDaysToExpiry:             cfg.Selection.MinDaysToExpiry,
		MaxDaysToExpiry:             cfg.Selection.MaxDaysToExpiry,
		TargetDaysToExpiry:          cfg.Selection.TargetDaysToExpiry,
		TargetDeltaOpen:             cfg.Selection.TargetDeltaOpen,
		MoneynessRuleClose:          cfg.Selection.MoneynessRuleClose,
		SpreadRatioThreshold:        decimal.NewFromFloat(cfg.Spread.RatioThreshold),
		SpreadTickMultipleThreshold: decimal.NewFromInt(int64(cfg.Spread.TickMultipleThreshold)),
	}, logger)

	eng := engine.New(gateway, store, notifier, engine.Config{
		MaxSteps:             cfg.Execution.MaxSteps,
		StepInterval:         time.Duration(cfg.Execution.StepIntervalSeconds) * time.Second,
		SpreadRatioThreshold: decimal.NewFromFloat(cfg.Spread.RatioThreshold),
		SpreadTicksThreshold: decimal.NewFromInt(int64(cfg.Spread.TickMultipleThreshold)),
		SpreadHoldBudget:     cfg.Execution.SpreadHoldBudget,
		ForceProgress:        cfg.Execution.ForceProgress,
		EnableMarketFallback: cfg.Execution.EnableMarketFallback,
		MaxPlaceRetries:      cfg.Execution.MaxPlaceRetries,
		ShutdownGrace:        3 * time.Second,
	}, logger)
	eng.Start(ctx)
	if updates != nil {
		eng.ConsumeUpdates(updates)
	}

	polling := poller.New(gateway, store, notifier, eng, cfg.EnabledAccounts(), poller.Config{
		PositionInterval:     time.Duration(cfg.Polling.PositionIntervalMinutes) * time.Minute,
		OrderInterval:        time.Duration(cfg.Polling.OrderIntervalMinutes) * time.Minute,
		MaxConsecutiveErrors: cfg.Polling.MaxConsecutiveErrors,
		AutoStart:            cfg.Polling.AutoStart,
		DeltaChangeThreshold: cfg.Delta.ChangeThreshold,
		Concurrency:          cfg.Polling.Concurrency,
		ShutdownGrace:        cfg.ShutdownGrace(),
	}, logger)
	polling.Start(ctx)

	var accounts []dispatch.Account
	for _, a := range cfg.Accounts {
		accounts = append(accounts, dispatch.Account{Name: a.Name, Enabled: a.Enabled})
	}
	dispatcher := dispatch.New(sel, eng, store, accounts, dispatch.Config{
		DedupeWindow:  time.Duration(cfg.Dispatch.DedupeWindowSeconds) * time.Second,
		SignalTimeout: time.Duration(cfg.Dispatch.SignalTimeoutSeconds) * time.Second,
		RollPolicy:    cfg.Dispatch.RollPolicy,
	}, logger)
	dispatcher.Start(ctx)

	server := api.New(api.Config{
		Port:     cfg.Port,
		Version:  cfg.Version,
		MockMode: cfg.MockMode,
		Accounts: cfg.EnabledAccounts(),
	}, dispatcher, polling, store, gateway, logger)

	go runRetention(ctx, store, cfg.Delta.RetentionDays, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
		stop()
	}

	// Orderly teardown: stop accepting work, wind down orders, drain HTTP.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	dispatcher.Stop()
	eng.Stop()
	polling.Stop()
	if feed != nil {
		feed.Close()
	}

	logger.Info("bridge stopped")
	return exitOK
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func buildSessions(accounts []config.AccountConfig) (broker.SessionSet, error) {
	sessions := make(broker.SessionSet)
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		sess, err := broker.NewEnvSession(a.BrokerCredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Name, err)
		}
		sessions[a.Name] = sess
	}
	return sessions, nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) *notify.Notifier {
	var wechat notify.Sink
	if cfg.Notify.WeChatWebhookURL != "" {
		wechat = notify.NewWeChatSink(cfg.Notify.WeChatWebhookURL, logger)
	}
	var telegram notify.Sink
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSink(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			// Alerts are best-effort; a bad bot token must not block trading.
			logger.Warn("telegram sink unavailable", "error", err)
		} else {
			telegram = tg
		}
	}

	byAccount := make(map[string]notify.Sink)
	for _, a := range cfg.Accounts {
		switch a.NotifierChannel {
		case "wechat":
			if wechat != nil {
				byAccount[a.Name] = wechat
			}
		case "telegram":
			if telegram != nil {
				byAccount[a.Name] = telegram
			}
		}
	}

	fallback := wechat
	if fallback == nil {
		fallback = telegram
	}
	return notify.New(byAccount, fallback, logger)
}

// runRetention prunes expired ledger rows once a day.
func runRetention(ctx context.Context, store *deltastore.Store, retentionDays int, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if _, err := store.Prune(retentionDays); err != nil {
			logger.Error("delta retention prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// seedMock installs a demo chain and quotes so mock mode is usable end to
// end without a broker.
func seedMock(m *broker.Mock) {
	m.SetAutoFill(true)

	now := time.Now()
	underlyings := map[string]string{"SPY": "450", "QQQ": "380"}
	for underlying, spotStr := range underlyings {
		spot := decimal.RequireFromString(spotStr)
		chain := &types.Chain{Underlying: underlying}
		for _, days := range []int{14, 30, 45} {
			expiry := now.AddDate(0, 0, days)
			for i := -3; i <= 3; i++ {
				strike := spot.Add(decimal.NewFromInt(int64(i * 5)))
				for _, right := range []types.Right{types.Call, types.Put} {
					delta := mockDelta(i, right)
					id := fmt.Sprintf("%s-%s-%s-%s",
						underlying, expiry.Format("060102"), strike.StringFixed(0), string(right)[:1])
					chain.Contracts = append(chain.Contracts, types.OptionContract{
						InstrumentID: id,
						Underlying:   underlying,
						Expiry:       expiry,
						Strike:       strike,
						Right:        right,
						TickSize:     decimal.NewFromFloat(0.01),
						Multiplier:   100,
						OpenInterest: int64(1000 - 100*abs(i)),
						Volume:       int64(500 - 50*abs(i)),
						Delta:        delta,
					})

					mark := decimal.NewFromFloat(2.50).Sub(decimal.NewFromInt(int64(i)).Mul(decimal.NewFromFloat(0.4)))
					if mark.LessThan(decimal.NewFromFloat(0.2)) {
						mark = decimal.NewFromFloat(0.2)
					}
					m.SetQuote(types.QuoteSnapshot{
						InstrumentID:    id,
						Bid:             mark.Sub(decimal.NewFromFloat(0.02)),
						Ask:             mark.Add(decimal.NewFromFloat(0.02)),
						Last:            mark,
						Mark:            mark,
						UnderlyingPrice: spot,
						Delta:           delta,
						TS:              now,
					})
				}
			}
		}
		m.SetChain(chain)
	}

	m.SetSymbols([]types.Symbol{
		{Ticker: "SPY", Name: "SPDR S&P 500 ETF", Exchange: "ARCA"},
		{Ticker: "QQQ", Name: "Invesco QQQ Trust", Exchange: "NASDAQ"},
	})
}

// mockDelta gives a plausible delta by distance from the money.
func mockDelta(strikeOffset int, right types.Right) float64 {
	d := 0.50 - 0.10*float64(strikeOffset)
	if d < 0.05 {
		d = 0.05
	}
	if d > 0.95 {
		d = 0.95
	}
	if right == types.Put {
		return d - 1
	}
	return d
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
