// Package api exposes the judgment node over REST/JSON. The decision
// pipeline itself has no network opinion; this server is one binding.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbiternet/arbiter/internal/chain"
	"github.com/arbiternet/arbiter/internal/core"
	"github.com/arbiternet/arbiter/internal/graph"
	"github.com/arbiternet/arbiter/internal/middleware"
	"github.com/arbiternet/arbiter/internal/monitoring"
	"github.com/arbiternet/arbiter/internal/orchestrator"
	"github.com/arbiternet/arbiter/internal/qlearn"
	"github.com/arbiternet/arbiter/internal/session"
	"github.com/arbiternet/arbiter/internal/skills"
	"github.com/arbiternet/arbiter/internal/trace"
	"github.com/arbiternet/arbiter/internal/triggers"
	ws "github.com/arbiternet/arbiter/internal/websocket"
)

// Server wires the node's components behind HTTP.
type Server struct {
	Orch      *orchestrator.Orchestrator
	Chain     *chain.Chain
	Graph     *graph.Store
	Tracer    *trace.Tracer
	Sessions  *session.Manager
	Learner   *qlearn.Learner
	Registry  *skills.Registry
	Alerts    *monitoring.AlertManager
	Collector *monitoring.Collector
	Triggers  *triggers.Engine
	Streamer  *ws.Streamer            // optional
	Limiter   *middleware.RateLimiter // optional

	logger *log.Logger
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	s.logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	process := http.Handler(http.HandlerFunc(s.handleProcess))
	if s.Limiter != nil {
		process = s.Limiter.Wrap(clientKey)(process)
	}
	r.Handle("/api/process", process).Methods("POST")

	r.HandleFunc("/api/chain/status", s.handleChainStatus).Methods("GET")
	r.HandleFunc("/api/chain/verify", s.handleChainVerify).Methods("POST")
	r.HandleFunc("/api/chain/close-slot", s.handleCloseSlot).Methods("POST")
	r.HandleFunc("/api/chain/blocks", s.handleChainBlocks).Methods("GET")
	r.HandleFunc("/api/chain/reset-read-only", s.handleResetReadOnly).Methods("POST")

	r.HandleFunc("/api/graph/stats", s.handleGraphStats).Methods("GET")
	r.HandleFunc("/api/graph/query", s.handleGraphQuery).Methods("POST")
	r.HandleFunc("/api/graph/pagerank", s.handlePageRank).Methods("GET")

	r.HandleFunc("/api/trace/recent", s.handleTraceRecent).Methods("GET")
	r.HandleFunc("/api/trace/summary", s.handleTraceSummary).Methods("GET")
	r.HandleFunc("/api/trace/{id}", s.handleTraceByID).Methods("GET")

	r.HandleFunc("/api/sessions/{user}", s.handleSession).Methods("GET")
	r.HandleFunc("/api/suggestions/{user}", s.handleSuggestions).Methods("GET")
	r.HandleFunc("/api/suggestions/{id}/resolve", s.handleResolveSuggestion).Methods("POST")

	r.HandleFunc("/api/learning/stats", s.handleLearningStats).Methods("GET")
	r.HandleFunc("/api/alerts", s.handleAlerts).Methods("GET")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/metrics/text", s.handleMetricsText).Methods("GET")

	if s.Streamer != nil {
		r.HandleFunc("/ws", s.Streamer.Handle)
	}
	return r
}

// Start blocks serving the router.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("[API] listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		core.DecisionEvent
		Trust            *float64 `json:"trust,omitempty"`
		RequestJudgment  bool     `json:"request_judgment"`
		RequestSynthesis bool     `json:"request_synthesis"`
		AutoInvokeSkill  bool     `json:"auto_invoke_skill"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Source == "" {
		req.Source = core.SourceTool
	}

	rec := s.Orch.Process(r.Context(), req.DecisionEvent, orchestrator.Opts{
		Trust:            req.Trust,
		RequestJudgment:  req.RequestJudgment,
		RequestSynthesis: req.RequestSynthesis,
		AutoInvokeSkill:  req.AutoInvokeSkill,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Chain.Status())
}

func (s *Server) handleChainVerify(w http.ResponseWriter, r *http.Request) {
	from := queryUint(r, "from", 0)
	res, err := s.Chain.Verify(from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCloseSlot(w http.ResponseWriter, r *http.Request) {
	b, err := s.Chain.CloseSlot()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if b == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sealed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sealed": true, "block": b})
}

func (s *Server) handleChainBlocks(w http.ResponseWriter, r *http.Request) {
	from := queryUint(r, "from", 0)
	to := queryUint(r, "to", 0)

	var blocks []*chain.Block
	err := s.Chain.IterBlocks(from, to, func(b *chain.Block) bool {
		blocks = append(blocks, b)
		return len(blocks) < 1000
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

// handleResetReadOnly is the operator action that re-enables writes
// after an integrity break has been repaired out of band.
func (s *Server) handleResetReadOnly(w http.ResponseWriter, r *http.Request) {
	s.Chain.SetReadOnly(false)
	s.logger.Printf("chain read-only flag reset by operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{"read_only": false})
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Graph.Stats())
}

// graphQueryRequest is the JSON form of the fluent query builder.
type graphQueryRequest struct {
	NodeType string `json:"node_type,omitempty"`
	From     string `json:"from,omitempty"`
	Where    []struct {
		Field string      `json:"field"`
		Op    string      `json:"op"`
		Value interface{} `json:"value"`
	} `json:"where,omitempty"`
	EdgeTypes []string `json:"edge_types,omitempty"`
	Depth     int      `json:"depth,omitempty"`
	SortBy    string   `json:"sort_by,omitempty"`
	Order     string   `json:"order,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Count     bool     `json:"count,omitempty"`
}

func (s *Server) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	var req graphQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed query: "+err.Error())
		return
	}

	q := s.Graph.Query()
	if req.NodeType != "" {
		q = q.NodeType(graph.NodeType(req.NodeType))
	}
	if req.From != "" {
		q = q.From(req.From)
	}
	for _, f := range req.Where {
		q = q.Where(f.Field, f.Op, f.Value)
	}
	if len(req.EdgeTypes) > 0 {
		types := make([]graph.EdgeType, len(req.EdgeTypes))
		for i, t := range req.EdgeTypes {
			types[i] = graph.EdgeType(t)
		}
		q = q.EdgeType(types...)
	}
	if req.Depth > 0 {
		q = q.Depth(req.Depth)
	}
	if req.SortBy != "" {
		q = q.SortBy(req.SortBy, req.Order)
	}
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}

	if req.Count {
		writeJSON(w, http.StatusOK, map[string]interface{}{"count": q.Count()})
		return
	}
	writeJSON(w, http.StatusOK, q.Nodes())
}

func (s *Server) handlePageRank(w http.ResponseWriter, r *http.Request) {
	iterations := int(queryUint(r, "iterations", 20))
	writeJSON(w, http.StatusOK, s.Graph.PageRank(iterations))
}

func (s *Server) handleTraceRecent(w http.ResponseWriter, r *http.Request) {
	n := int(queryUint(r, "n", 50))
	if domain := r.URL.Query().Get("domain"); domain != "" {
		writeJSON(w, http.StatusOK, s.Tracer.ByDomain(domain, n))
		return
	}
	if user := r.URL.Query().Get("user"); user != "" {
		writeJSON(w, http.StatusOK, s.Tracer.ByUser(user, n))
		return
	}
	writeJSON(w, http.StatusOK, s.Tracer.Recent(n))
}

func (s *Server) handleTraceSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Tracer.Summarize())
}

func (s *Server) handleTraceByID(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Tracer.ByID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Sessions.Get(mux.Vars(r)["user"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeJSON(w, http.StatusOK, []core.Suggestion{})
		return
	}
	writeJSON(w, http.StatusOK, s.Triggers.Pending(mux.Vars(r)["user"]))
}

func (s *Server) handleResolveSuggestion(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeError(w, http.StatusNotFound, "suggestions disabled")
		return
	}
	var req struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if !s.Triggers.Resolve(mux.Vars(r)["id"], req.Accepted) {
		writeError(w, http.StatusNotFound, "no pending suggestion with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": true})
}

func (s *Server) handleLearningStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Learner.Snapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Alerts.Active())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  s.Collector.Uptime().Seconds(),
		"system":  s.Collector.Collect(ctx).Sections["system"].Data,
		"clients": clientCount(s.Streamer),
	})
}

// handleMetricsText serves the stable line-oriented exposition
// assembled from component snapshots.
func (s *Server) handleMetricsText(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(monitoring.ToPrometheus(s.View())))
}

// View assembles the published metrics view from live components.
func (s *Server) View() monitoring.View {
	sum := s.Tracer.Summarize()
	byVerdict := make(map[string]uint64, len(sum.ByOutcome))
	for outcome, n := range sum.ByOutcome {
		byVerdict[string(outcome)] = uint64(n)
	}

	// Counts is already keyed by dog name.
	byDog := s.Registry.Counts()

	st := s.Chain.Status()
	stats := s.Learner.Snapshot()

	var mem uint64
	if sys, err := s.Collector.System(); err == nil {
		if v, ok := sys["memory_used_bytes"].(uint64); ok {
			mem = v
		}
	}

	return monitoring.View{
		JudgmentsByVerdict: byVerdict,
		AvgQScore:          stats.AvgQ,
		ChainHeight:        st.HeadSlot,
		BlocksTotal:        st.Blocks,
		AlertsActive:       len(s.Alerts.Active()),
		DogInvocations:     byDog,
		UptimeSeconds:      s.Collector.Uptime().Seconds(),
		MemoryUsedBytes:    mem,
	}
}

// clientKey identifies the caller for rate limiting: the declared user
// when present, the peer address otherwise.
func clientKey(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return r.RemoteAddr
}

func clientCount(s *ws.Streamer) int {
	if s == nil {
		return 0
	}
	return s.ClientCount()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryUint(r *http.Request, key string, def uint64) uint64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
