package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mircdj/rest-sync-lite/internal/config"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck reports whether the process is ready to serve traffic
// (e.g. the durable store's connection is alive). A nil ReadinessCheck
// is treated as always-ready.
type ReadinessCheck func(context.Context) error

// StartHTTPServer exposes /metrics, /healthz, and /readyz on the
// configured observability port, returning the server so the caller can
// Shutdown it. /healthz and /readyz answer with the same small JSON
// envelope shape the mediator uses for its own deferred-acceptance
// responses, rather than plain text, so every endpoint in this process
// is consistently machine-parseable.
func StartHTTPServer(cfg *config.Config, ready ReadinessCheck) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatusJSON(w, http.StatusOK, "ok", "")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready == nil {
			writeStatusJSON(w, http.StatusOK, "ready", "")
			return
		}
		if err := ready(r.Context()); err != nil {
			writeStatusJSON(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
		writeStatusJSON(w, http.StatusOK, "ready", "")
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

func writeStatusJSON(w http.ResponseWriter, code int, status, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]string{"status": status}
	if errMsg != "" {
		body["error"] = errMsg
	}
	_ = json.NewEncoder(w).Encode(body)
}
