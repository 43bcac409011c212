// Package server exposes the fleet's HTTP and websocket surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"main/internal/fleet"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/state"
	"main/internal/store"
	"main/internal/stream"
	"main/pkg/exception"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server routes observer and control requests to the orchestration core.
// st may be nil when persistence is not configured.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	agg        *state.Aggregator
	sched      *fleet.Scheduler
	pub        *stream.Publisher
	metrics    *obs.Metrics
	st         *store.Store
}

// New wires the router.
func New(addr string, agg *state.Aggregator, sched *fleet.Scheduler, pub *stream.Publisher, metrics *obs.Metrics, st *store.Store) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		agg:     agg,
		sched:   sched,
		pub:     pub,
		metrics: metrics,
		st:      st,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/opportunities", s.handleOpportunities).Methods(http.MethodGet)
	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/killswitch", s.handleKillSwitch).Methods(http.MethodPost)
	api.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleStream).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type statusAgent struct {
	Status           schema.AccountStatus `json:"status"`
	OpportunityCount int                  `json:"opportunity_count"`
}

type statusResponse struct {
	PnL struct {
		Daily   string `json:"daily"`
		Weekly  string `json:"weekly"`
		Monthly string `json:"monthly"`
	} `json:"pnl"`
	PositionCount int                              `json:"position_count"`
	Agents        map[schema.AccountID]statusAgent `json:"agents"`
	Latency       obs.Snapshot                     `json:"latency"`
	Timestamp     time.Time                        `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	snap := s.agg.Snapshot()
	s.metrics.ObserveSnapshot(time.Since(started))
	resp := statusResponse{
		PositionCount: snap.PositionCount(),
		Agents:        make(map[schema.AccountID]statusAgent, len(snap.Accounts)),
		Latency:       s.metrics.Snapshot(),
		Timestamp:     snap.Timestamp,
	}
	resp.PnL.Daily = snap.Portfolio.Daily.String()
	resp.PnL.Weekly = snap.Portfolio.Weekly.String()
	resp.PnL.Monthly = snap.Portfolio.Monthly.String()
	for _, acct := range snap.Accounts {
		resp.Agents[acct.ID] = statusAgent{
			Status:           acct.Status,
			OpportunityCount: len(acct.Opportunities),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	snap := s.agg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": snap.Opportunities,
		"timestamp":     snap.Timestamp,
	})
}

type executeRequest struct {
	OpportunityID string `json:"opportunity_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OpportunityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"reason":  "opportunity_id is required",
		})
		return
	}

	result, err := s.sched.ExecuteOpportunity(r.Context(), req.OpportunityID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, exception.ErrOpportunityUnknown):
			status = http.StatusNotFound
		case errors.Is(err, exception.ErrOpportunityExpired):
			status = http.StatusGone
		case errors.Is(err, exception.ErrAccountNotRunning):
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"success": false, "reason": err.Error()})
		return
	}
	if result.Err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "reason": result.Err.Error()})
		return
	}
	if !result.Decision.Approved() {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "reason": result.Decision.Reason.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleAudit reads back persisted audit events, newest first. Responds
// with an empty list when persistence is not configured.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"reason":  "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}
	rows, err := s.st.RecentAudit(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "reason": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.AuditRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.sched.KillSwitch()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.ResumeAll(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStream upgrades to a websocket and pushes one payload per publish
// interval. A failed write drops only that subscriber.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Errorf("websocket upgrade failed, err: %+v", err)
		return
	}
	sub := s.pub.Subscribe()

	// Reader only detects disconnects; inbound frames are ignored.
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			sub.Close()
			_ = conn.Close()
		}()
		for payload := range sub.C() {
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Errorf("write response failed, err: %+v", err)
	}
}
