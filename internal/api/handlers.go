package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optionbridge/internal/broker"
	"optionbridge/internal/deltastore"
	"optionbridge/internal/dispatch"
	"optionbridge/internal/poller"
	"optionbridge/internal/selector"
	"optionbridge/pkg/types"
)

type errorBody struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	body := errorBody{ErrorKind: kind, Message: message}
	if status >= 500 {
		retryable := status != http.StatusNotImplemented
		body.Retryable = &retryable
	}
	writeJSON(w, status, body)
}

// webhookRequest is the inbound alert body. Size arrives as a string or a
// number depending on the alert template.
type webhookRequest struct {
	AccountName        string          `json:"account_name"`
	Side               string          `json:"side"`
	Size               json.RawMessage `json:"size"`
	MarketPosition     string          `json:"market_position"`
	PrevMarketPosition string          `json:"prev_market_position"`
	Underlying         string          `json:"underlying"`
	TVID               string          `json:"tv_id"`
	Comment            string          `json:"comment"`
	Timestamp          string          `json:"timestamp"`
}

func parseSize(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Zero, errors.New("size is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return decimal.NewFromFloat(f), nil
	}
	return decimal.Zero, errors.New("size must be a number or numeric string")
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_signal", "invalid JSON body: "+err.Error())
		return
	}

	size, err := parseSize(req.Size)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_signal", err.Error())
		return
	}

	side := types.Side(req.Side)
	if side != types.Buy && side != types.Sell {
		writeError(w, http.StatusBadRequest, "bad_signal", "side must be buy or sell")
		return
	}

	to, err := types.ParseMarketPosition(req.MarketPosition)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_signal", err.Error())
		return
	}
	from, err := types.ParseMarketPosition(req.PrevMarketPosition)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_signal", err.Error())
		return
	}

	receivedAt := time.Now()
	if req.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			receivedAt = ts
		}
	}

	correlationID := req.TVID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	sig := types.Signal{
		AccountID:     req.AccountName,
		Side:          side,
		Transition:    types.PositionTransition{From: from, To: to},
		Size:          size,
		Underlying:    req.Underlying,
		CorrelationID: correlationID,
		TVSignalID:    req.TVID,
		Comment:       req.Comment,
		ReceivedAt:    receivedAt,
	}

	res, err := s.dispatcher.Handle(r.Context(), sig)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrBadSignal):
		writeError(w, http.StatusBadRequest, "bad_signal", err.Error())
	case errors.Is(err, selector.ErrNoSuitableContract):
		writeError(w, http.StatusUnprocessableEntity, "no_suitable_contract", err.Error())
	case errors.Is(err, selector.ErrUnreasonableSpread):
		writeError(w, http.StatusUnprocessableEntity, "unreasonable_spread", err.Error())
	case errors.Is(err, dispatch.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "busy", err.Error())
	default:
		switch kind := broker.KindOf(err); kind {
		case broker.KindRateLimited:
			writeError(w, http.StatusServiceUnavailable, string(kind), err.Error())
		case broker.KindAuthExpired:
			writeError(w, http.StatusBadGateway, string(kind), err.Error())
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "ok"
	for name, st := range s.polling.Statuses() {
		if st.Enabled {
			checks["polling_"+string(name)] = "ok"
		} else {
			checks["polling_"+string(name)] = "disabled"
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   s.cfg.Version,
		"accounts":  s.cfg.Accounts,
		"mock_mode": s.cfg.MockMode,
		"polling":   s.polling.Statuses(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}

	// Prefer the poller's snapshot; fall back to a live fetch when the
	// position loop has not run yet.
	positions, totals, at, ok := s.polling.Snapshot(account)
	if !ok {
		live, err := s.gateway.GetPositions(r.Context(), account, currency)
		if err != nil {
			s.writeDispatchError(w, err)
			return
		}
		positions = live
		totals = poller.Totals(live)
		at = time.Now()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":   account,
		"positions": positions,
		"greeks":    totals,
		"as_of":     at,
	})
}

func (s *Server) handleDeltaRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account := q.Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "account is required")
		return
	}

	query := deltastore.Query{AccountID: account, Limit: 100}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "from: "+err.Error())
			return
		}
		query.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "to: "+err.Error())
			return
		}
		query.To = ts
	}
	if v := q.Get("action"); v != "" {
		action, err := types.ParseDeltaAction(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		query.Actions = []types.DeltaAction{action}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		query.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "offset must be a non-negative integer")
			return
		}
		query.Offset = n
	}

	recs, err := s.store.ByAccount(query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (s *Server) handleDeltaSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account := q.Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "account is required")
		return
	}

	var from time.Time
	switch period := q.Get("period"); period {
	case "", "all":
	case "day":
		from = time.Now().AddDate(0, 0, -1)
	case "week":
		from = time.Now().AddDate(0, 0, -7)
	case "month":
		from = time.Now().AddDate(0, -1, 0)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "period must be day, week, month, or all")
		return
	}

	sum, err := s.store.Summarize(account, from, time.Time{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handlePollingControl(w http.ResponseWriter, r *http.Request) {
	name := poller.LoopName(r.PathValue("loop"))
	if name != poller.PositionsLoop && name != poller.OrdersLoop {
		writeError(w, http.StatusNotFound, "bad_request", "unknown polling loop")
		return
	}

	var err error
	switch r.PathValue("action") {
	case "start":
		err = s.polling.SetEnabled(name, true)
	case "stop":
		err = s.polling.SetEnabled(name, false)
	case "tick":
		err = s.polling.TickNow(name)
	default:
		writeError(w, http.StatusNotFound, "bad_request", "action must be start, stop, or tick")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "polling_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loop":   name,
		"status": s.polling.Statuses()[name],
	})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	underlying := r.URL.Query().Get("underlying")
	if underlying == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "underlying is required")
		return
	}

	var expiry *time.Time
	if v := r.URL.Query().Get("expiry"); v != "" {
		ts, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "expiry must be YYYY-MM-DD")
			return
		}
		expiry = &ts
	}

	chain, err := s.gateway.GetOptionChain(r.Context(), underlying, expiry)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}
