// Package metrics holds the Prometheus collectors shared by the chunk
// fetcher, the assembler and the orchestrator, plus an optional debug server.
package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOnce       sync.Once
	ChunkRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "egs_chunk_requests_total", Help: "Chunk fetch attempts by status and HTTP code"},
		[]string{"status", "code"},
	)
	ChunkBytes     = prometheus.NewCounter(prometheus.CounterOpts{Name: "egs_chunk_bytes_total", Help: "Total chunk envelope bytes downloaded"})
	VerifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "egs_chunk_verify_failures_total", Help: "Chunks rejected after download by reason"},
		[]string{"reason"},
	)
	FetchDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "egs_chunk_fetch_duration_seconds", Help: "Time spent per chunk fetch attempt", Buckets: prometheus.DefBuckets})
	Inflight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "egs_chunk_inflight", Help: "In-flight chunk requests"})
	FilesAssembled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "egs_files_assembled_total", Help: "Assembled files by result"},
		[]string{"result"},
	)
)

// Register adds the collectors to the default registry. Safe to call more
// than once.
func Register() {
	regOnce.Do(func() {
		prometheus.MustRegister(ChunkRequests, ChunkBytes, VerifyFailures, FetchDuration, Inflight, FilesAssembled)
	})
}

// StatusFunc reports the state of the current run for /api/status.
type StatusFunc func() Status

// Status is the JSON body served on /api/status.
type Status struct {
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	Bytes     int64   `json:"bytes_downloaded"`
	Total     int64   `json:"bytes_total"`
	UptimeSec int64   `json:"uptime_sec"`
}

// Handler builds the debug mux: /metrics, /api/status and pprof.
func Handler(status StatusFunc) http.Handler {
	started := time.Now()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		var st Status
		if status != nil {
			st = status()
		}
		st.UptimeSec = int64(time.Since(started).Seconds())
		b, _ := json.Marshal(st)
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartServer exposes the debug mux on addr in the background. An empty addr
// disables it.
func StartServer(addr string, status StatusFunc) {
	if addr == "" {
		return
	}
	Register()
	h := Handler(status)
	go func() {
		slog.Info("metrics/pprof listening", "addr", addr)
		if err := http.ListenAndServe(addr, h); err != nil {
			slog.Error("metrics server error", "err", err)
		}
	}()
}
