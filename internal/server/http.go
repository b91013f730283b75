package server

import (
	"net/http"
	"time"

	"github.com/ppiankov/callwarden/internal/telemetry"
)

// NewMetricsServer serves /metrics and /healthz on addr.
func NewMetricsServer(addr string, m *telemetry.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
