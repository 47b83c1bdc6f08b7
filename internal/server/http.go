package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/core/observability/metrics"
)

// StatsSource is what the stats endpoint reports on. *Server implements it.
type StatsSource interface {
	Stats() metrics.Snapshot
	ClientStats() []ClientStats
}

type statsResponse struct {
	Tick    uint32          `json:"tick"`
	Metrics metrics.Snapshot `json:"metrics"`
	Clients []ClientStats    `json:"clients"`
}

// HTTPServer exposes replication stats over HTTP:
//
//	GET /stats    metrics and per client acknowledgement state
//	GET /healthz  liveness
type HTTPServer struct {
	server *http.Server
	source StatsSource
	tick   func() uint32
	logger log.Log
}

func NewHTTPServer(addr string, source *Server, logger log.Log) *HTTPServer {
	h := &HTTPServer{
		source: source,
		tick:   func() uint32 { return uint32(source.Tick()) },
		logger: logger.With(log.String("component", "stats_http")),
	}
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Start listens on the configured address and serves until Stop.
func (h *HTTPServer) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}
	h.logger.Info("Stats endpoint listening", log.String("addr", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Stats endpoint stopped", log.Error(err))
		}
	}()
	return nil
}

func (h *HTTPServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case "/stats":
		h.handleStats(w)
	case "/healthz":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPServer) handleStats(w http.ResponseWriter) {
	resp := statsResponse{
		Tick:    h.tick(),
		Metrics: h.source.Stats(),
		Clients: h.source.ClientStats(),
	}
	if resp.Clients == nil {
		resp.Clients = []ClientStats{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("Failed to write stats", log.Error(err))
	}
}
