// Package admin serves the read-only operational HTTP surface: health,
// session and quote inventories, bridge orders, cache stats, the audit
// journal, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/deluthium/liquidity-bridge/internal/bridge"
	"github.com/deluthium/liquidity-bridge/internal/fix"
	"github.com/deluthium/liquidity-bridge/internal/journal"
	"github.com/deluthium/liquidity-bridge/internal/lifecycle"
	"github.com/deluthium/liquidity-bridge/internal/metrics"
	"github.com/deluthium/liquidity-bridge/internal/splitrouter"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// QuoteCounter reports quote counts per state and settles trades.
type QuoteCounter interface {
	Counts() map[lifecycle.State]int
	Settle(ctx context.Context, tradeID, txHash string) error
}

// SplitRouter plans and executes split-routed trades.
type SplitRouter interface {
	Optimize(ctx context.Context, tokenIn, tokenOut string, totalIn upstream.Amount) (*splitrouter.Plan, error)
}

// SplitExecutor settles an optimised plan.
type SplitExecutor interface {
	Execute(ctx context.Context, plan *splitrouter.Plan) []splitrouter.AllocationResult
}

// SessionLister reports active FIX sessions.
type SessionLister interface {
	Sessions() []*fix.Session
}

// OrderLister reports bridge orders.
type OrderLister interface {
	Orders() []bridge.BridgeOrder
}

// CacheStats reports rate cache occupancy.
type CacheStats interface {
	Len(ctx context.Context) int
}

// Server is the admin HTTP listener.
type Server struct {
	addr     string
	engine   QuoteCounter
	sessions SessionLister
	orders   OrderLister
	cache    CacheStats
	journal  journal.Journal
	metrics  *metrics.Metrics
	split    SplitRouter
	executor SplitExecutor

	httpServer *http.Server
	startedAt  time.Time
}

// New wires the admin surface. Any nil dependency disables its endpoint.
func New(addr string, engine QuoteCounter, sessions SessionLister, orders OrderLister, cache CacheStats, jnl journal.Journal, m *metrics.Metrics) *Server {
	return &Server{
		addr:      addr,
		engine:    engine,
		sessions:  sessions,
		orders:    orders,
		cache:     cache,
		journal:   jnl,
		metrics:   m,
		startedAt: time.Now(),
	}
}

// WithSplitRouter enables the split planning and execution endpoints.
func (s *Server) WithSplitRouter(router SplitRouter, executor SplitExecutor) *Server {
	s.split = router
	s.executor = executor
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/quotes", s.handleQuotes).Methods(http.MethodGet)
	r.HandleFunc("/bridge/orders", s.handleBridgeOrders).Methods(http.MethodGet)
	r.HandleFunc("/cache", s.handleCache).Methods(http.MethodGet)
	r.HandleFunc("/journal", s.handleJournal).Methods(http.MethodGet)
	r.HandleFunc("/trades/{id}/settle", s.handleSettle).Methods(http.MethodPost)
	if s.split != nil {
		r.HandleFunc("/split/plan", s.handleSplitPlan).Methods(http.MethodPost)
	}
	if s.executor != nil {
		r.HandleFunc("/split/execute", s.handleSplitExecute).Methods(http.MethodPost)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Start serves until Stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", s.addr).Msg("admin server started")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now().UTC(),
	})
}

type sessionView struct {
	ID             string `json:"id"`
	CounterpartyID string `json:"counterparty_id"`
	SenderCompID   string `json:"sender_comp_id"`
	State          string `json:"state"`
	OutSeq         int    `json:"out_seq"`
	InSeq          int    `json:"in_seq"`
	Resync         bool   `json:"resynchronising"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	views := []sessionView{}
	if s.sessions != nil {
		for _, sess := range s.sessions.Sessions() {
			out, in := sess.SeqNums()
			views = append(views, sessionView{
				ID:             sess.ID,
				CounterpartyID: sess.Config().CounterpartyID,
				SenderCompID:   sess.Config().SenderCompID,
				State:          string(sess.State()),
				OutSeq:         out,
				InSeq:          in,
				Resync:         sess.Resynchronising(),
			})
		}
	}
	writeJSON(w, map[string]interface{}{"sessions": views})
}

func (s *Server) handleQuotes(w http.ResponseWriter, _ *http.Request) {
	counts := map[lifecycle.State]int{}
	if s.engine != nil {
		counts = s.engine.Counts()
	}
	writeJSON(w, map[string]interface{}{"counts": counts})
}

func (s *Server) handleBridgeOrders(w http.ResponseWriter, _ *http.Request) {
	orders := []bridge.BridgeOrder{}
	if s.orders != nil {
		orders = s.orders.Orders()
	}
	writeJSON(w, map[string]interface{}{"orders": orders})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	entries := 0
	if s.cache != nil {
		entries = s.cache.Len(r.Context())
	}
	writeJSON(w, map[string]interface{}{"entries": entries})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, map[string]interface{}{"entries": []journal.Entry{}})
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		EventType:      q.Get("event"),
		QuoteID:        q.Get("quote_id"),
		RequestID:      q.Get("request_id"),
		TradeID:        q.Get("trade_id"),
		CounterpartyID: q.Get("counterparty_id"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	entries, err := s.journal.Query(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"entries": entries})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "lifecycle engine unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tradeID := mux.Vars(r)["id"]
	if err := s.engine.Settle(r.Context(), tradeID, body.TxHash); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"trade_id": tradeID, "status": "settled"})
}

type splitPlanRequest struct {
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	AmountIn string `json:"amount_in"`
}

func (s *Server) handleSplitPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.planFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, plan)
}

func (s *Server) handleSplitExecute(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.planFromRequest(w, r)
	if !ok {
		return
	}
	results := s.executor.Execute(r.Context(), plan)
	writeJSON(w, map[string]interface{}{"plan": plan, "results": results})
}

func (s *Server) planFromRequest(w http.ResponseWriter, r *http.Request) (*splitrouter.Plan, bool) {
	var body splitPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	amount, err := upstream.ParseAmount(body.AmountIn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	plan, err := s.split.Optimize(r.Context(), body.TokenIn, body.TokenOut, amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return nil, false
	}
	return plan, true
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("admin response encode failed")
	}
}
