package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/partition"
	"github.com/cuemby/warren/pkg/types"
)

// healthResponse is the fixed response shape for GET /health on
// syncPort+1; external monitors depend on these field names.
type healthResponse struct {
	Status      string      `json:"status"`
	Uptime      string      `json:"uptime"`
	MemoryUsage uint64      `json:"memoryUsage"`
	SyncService syncService `json:"syncService"`
}

type syncService struct {
	IsRunning         bool      `json:"isRunning"`
	NodeID            string    `json:"nodeId"`
	NodeName          string    `json:"nodeName"`
	PeersConnected    int       `json:"peersConnected"`
	TotalEventsSynced int64     `json:"totalEventsSynced"`
	LastSyncTime      time.Time `json:"lastSyncTime,omitempty"`
}

// httpServer is the Service Runner's admin surface: /health plus the
// /status and /metrics endpoints, all on syncPort+1.
type httpServer struct {
	r    *Runner
	srv  *http.Server
	addr string
}

func newHTTPServer(r *Runner) *httpServer {
	mux := http.NewServeMux()
	h := &httpServer{r: r, addr: fmt.Sprintf(":%d", r.cfg.SyncPort+1)}

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) { metrics.ReadyHandler()(w, req) })
	mux.HandleFunc("/live", func(w http.ResponseWriter, req *http.Request) { metrics.LivenessHandler()(w, req) })
	mux.Handle("/metrics", metrics.Handler())

	h.srv = &http.Server{Addr: h.addr, Handler: mux}
	return h
}

// Start listens in the background; a bind failure is logged rather than
// fatal, since the admin surface is diagnostic, not load-bearing for sync
// correctness.
func (h *httpServer) Start() {
	logger := log.WithComponent("runner")
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", h.addr).Msg("admin HTTP server failed")
		}
	}()
	logger.Info().Str("addr", h.addr).Msg("admin endpoints listening")
}

func (h *httpServer) Stop(ctx context.Context) {
	_ = h.srv.Shutdown(ctx)
}

func (h *httpServer) handleHealth(w http.ResponseWriter, req *http.Request) {
	running := h.r.disco != nil && h.r.engine != nil
	peersConnected := 0
	if h.r.disco != nil {
		for _, p := range h.r.disco.Peers() {
			if p.Reachability == types.ReachabilityReachable {
				peersConnected++
			}
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := "healthy"
	code := http.StatusOK
	if !running {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:      status,
		Uptime:      time.Since(h.r.startedAt).String(),
		MemoryUsage: memStats.Alloc,
		SyncService: syncService{
			IsRunning:         running,
			NodeID:            h.r.identityNodeID(),
			NodeName:          h.r.identityNodeName(),
			PeersConnected:    peersConnected,
			TotalEventsSynced: h.r.capturedEvents.Load(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// statusResponse carries open partitions and in-flight/recent recovery
// sessions, for `syncd status` to pretty-print.
type statusResponse struct {
	NodeID         string                     `json:"nodeId"`
	NodeName       string                     `json:"nodeName"`
	Peers          int                        `json:"peers"`
	OpenPartitions interface{}                `json:"openPartitions"`
	Recovery       *partition.RecoverySummary `json:"recovery,omitempty"`
}

func (h *httpServer) handleStatus(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var open interface{}
	if h.r.st != nil {
		if partitions, err := h.r.st.ListOpenPartitions(ctx); err == nil {
			open = partitions
		}
	}
	peers := 0
	if h.r.disco != nil {
		peers = len(h.r.disco.Peers())
	}

	resp := statusResponse{
		NodeID:         h.r.identityNodeID(),
		NodeName:       h.r.identityNodeName(),
		Peers:          peers,
		OpenPartitions: open,
	}
	if h.r.recovery != nil {
		summary := h.r.recovery.Stats()
		resp.Recovery = &summary
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (r *Runner) identityNodeID() string {
	if r.identity == nil {
		return ""
	}
	return r.identity.NodeID
}

func (r *Runner) identityNodeName() string {
	if r.identity == nil {
		return ""
	}
	return r.identity.NodeName
}
