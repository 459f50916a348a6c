package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/angeloszaimis/balancebeam/internal/metrics"
	"github.com/angeloszaimis/balancebeam/internal/state"
)

func setupRouter(st *state.ProxyState, collector *metrics.Collector) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(st))
	r.Method(http.MethodGet, "/metrics", collector.PrometheusHandler())
	r.Get("/stats", collector.Handler())
	r.Get("/upstreams", upstreamsHandler(st))

	return r
}

// healthzHandler reports 200 while at least one upstream is alive.
func healthzHandler(st *state.ProxyState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if !st.AnyAlive() {
			status, code = "no live upstreams", http.StatusServiceUnavailable
		}

		writeJSON(w, code, map[string]string{"status": status})
	}
}

func upstreamsHandler(st *state.ProxyState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.Upstreams())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
