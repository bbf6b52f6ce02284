package proxy

import (
	"net/http"
	"time"

	"github.com/tracdap/gateway/internal/metrics"
)

// NewAdminServer builds the operational listener: Prometheus metrics and
// liveness. It is kept off the client-facing port so routing rules never
// apply to it.
func NewAdminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
