package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/gossip"
	"github.com/b0ase/path402/apps/hashdash/internal/rates"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("PUT /api/config/hardware", s.handleSelect(s.deps.Rates.ActivateHardware))
	mux.HandleFunc("DELETE /api/config/hardware", s.handleClear(s.deps.Rates.DeactivateHardware))
	mux.HandleFunc("PUT /api/config/cloud", s.handleSelect(s.deps.Rates.ActivateCloud))
	mux.HandleFunc("DELETE /api/config/cloud", s.handleClear(s.deps.Rates.DeactivateCloud))
	mux.HandleFunc("PUT /api/config/pool", s.handleSelect(s.deps.Rates.SelectPoolConfig))
	mux.HandleFunc("PUT /api/config/override", s.handleSetOverride)
	mux.HandleFunc("DELETE /api/config/override", s.handleClear(s.deps.Rates.ClearOverride))
	mux.HandleFunc("GET /api/rate", s.handleRate)

	mux.HandleFunc("GET /api/mining/status", s.handleMiningStatus)
	mux.HandleFunc("POST /api/mining/start", s.handleMining(true))
	mux.HandleFunc("POST /api/mining/stop", s.handleMining(false))

	mux.HandleFunc("GET /api/ledger", s.handleLedger)
	mux.HandleFunc("GET /api/payouts", s.handlePayouts)

	mux.HandleFunc("POST /api/withdrawals", s.handleWithdraw)
	mux.HandleFunc("GET /api/withdrawals", s.handleWithdrawals)
	mux.HandleFunc("GET /api/withdrawals/{id}", s.handleWithdrawal)

	mux.HandleFunc("GET /api/feed", s.handleFeed)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidRequest), errors.Is(err, rates.ErrWrongKind):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrNotFound), errors.Is(err, rates.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrProcessingFailed):
		return http.StatusBadGateway
	case errors.Is(err, settlement.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return min(n, maxLimit), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Daemon.NodeID()
	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"node_id":   id[:min(16, len(id))],
		"uptime_ms": s.deps.Daemon.Uptime().Milliseconds(),
		"peers":     s.deps.Daemon.PeerCount(),
	})
}

func (s *Server) statusView() map[string]interface{} {
	return map[string]interface{}{
		"node_id":    s.deps.Daemon.NodeID(),
		"uptime_ms":  s.deps.Daemon.Uptime().Milliseconds(),
		"peers":      s.deps.Daemon.PeerCount(),
		"wallet":     s.deps.Daemon.WalletAddress(),
		"config":     s.deps.Rates.Snapshot(),
		"mining":     s.deps.Engine.Status(),
		"ledger":     s.deps.Ledger.Snapshot(),
		"difficulty": s.deps.Difficulty.Stats(),
		"network":    s.deps.Daemon.NetworkStatus(),
		"settlement": s.deps.Pipeline.Policy(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusView())
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Rates.Sources())
}

func (s *Server) configView() map[string]interface{} {
	rate := s.deps.Rates.Resolve()
	return map[string]interface{}{
		"config":     s.deps.Rates.Snapshot(),
		"rate":       rate,
		"normalized": rates.Normalize(rate),
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.configView())
}

type selectRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSelect(apply func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			writeError(w, http.StatusBadRequest, "body must be {\"id\": \"...\"}")
			return
		}
		if err := apply(req.ID); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, s.configView())
	}
}

func (s *Server) handleClear(apply func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := apply(); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, s.configView())
	}
}

type overrideRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"value\": \"...\"}")
		return
	}
	if err := s.deps.Rates.SetOverrideRate(req.Value); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	view := s.configView()
	if _, ok := rates.ParseOverride(req.Value); !ok && req.Value != "" {
		view["warning"] = "override is not a non-negative number and is ignored"
	}
	writeJSON(w, view)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	rate := s.deps.Rates.Resolve()
	writeJSON(w, map[string]interface{}{
		"rate":       rate,
		"normalized": rates.Normalize(rate),
	})
}

func (s *Server) handleMiningStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Engine.Status())
}

func (s *Server) handleMining(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changed, err := s.deps.Daemon.SetMining(on)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, map[string]interface{}{
			"mining":  s.deps.Engine.IsMining(),
			"changed": changed,
		})
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	writeJSON(w, map[string]interface{}{
		"snapshot": s.deps.Ledger.Snapshot(),
		"entries":  s.deps.Ledger.Entries(limit),
	})
}

func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	writeJSON(w, s.deps.Ledger.Payouts(limit))
}

type withdrawRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"amount\": \"...\", \"address\": \"...\"}")
		return
	}
	tx, err := s.deps.Pipeline.Request(r.Context(), req.Amount, req.Address)
	if err != nil {
		body := map[string]interface{}{"error": err.Error()}
		if tx.ID != "" {
			body["transaction"] = tx
		}
		code := statusFor(err)
		if code >= 500 {
			s.logger.Warn("Withdrawal failed", zap.String("txid", tx.ID), zap.Error(err))
		}
		writeJSONStatus(w, code, body)
		return
	}
	writeJSONStatus(w, http.StatusCreated, tx)
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	txs, err := s.deps.Pipeline.List(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if txs == nil {
		txs = []settlement.Transaction{}
	}
	writeJSON(w, txs)
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Pipeline.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, tx)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		writeJSON(w, []gossip.FeedItem{})
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	writeJSON(w, s.deps.Feed.Recent(limit))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.deps.Hub.serve(w, r, Event{
		Type:      EventStatus,
		Data:      s.statusView(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// Live stream event types.
const (
	EventStatus     = "status"
	EventLedger     = "ledger"
	EventPayout     = "payout"
	EventWithdrawal = "withdrawal"
	EventRate       = "rate"
	EventMining     = "mining"
	EventFeed       = "feed"
)
