// Package api is the HTTP surface: the inbound webhook plus the operator
// read/control endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optionbridge/internal/broker"
	"optionbridge/internal/deltastore"
	"optionbridge/internal/dispatch"
	"optionbridge/internal/poller"
	"optionbridge/pkg/types"
)

// Dispatcher is the signal entry surface the webhook handler needs.
type Dispatcher interface {
	Handle(ctx context.Context, sig types.Signal) (*dispatch.Result, error)
}

// Polling is the loop-control surface.
type Polling interface {
	Statuses() map[poller.LoopName]poller.Status
	SetEnabled(name poller.LoopName, enabled bool) error
	TickNow(name poller.LoopName) error
	Snapshot(accountID string) ([]types.Position, types.GreekTotals, time.Time, bool)
}

// Config describes the server surface.
type Config struct {
	Port     int
	Version  string
	MockMode bool
	Accounts []string
}

// Server hosts the HTTP endpoints.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	polling    Polling
	store      *deltastore.Store
	gateway    broker.Gateway
	logger     *slog.Logger

	httpServer *http.Server
}

// New wires the endpoint handlers.
func New(cfg Config, d Dispatcher, p Polling, store *deltastore.Store,
	gateway broker.Gateway, logger *slog.Logger) *Server {

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		polling:    p,
		store:      store,
		gateway:    gateway,
		logger:     logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/signal", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /positions/{account}", s.handlePositions)
	mux.HandleFunc("GET /delta/records", s.handleDeltaRecords)
	mux.HandleFunc("GET /delta/summary", s.handleDeltaSummary)
	mux.HandleFunc("POST /polling/{loop}/{action}", s.handlePollingControl)
	mux.HandleFunc("GET /chain", s.handleChain)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.logRequests(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second, // webhook processing can run up to the signal budget
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
