package metrics

import (
	"encoding/json"
	"net/http"
)

// Handler serves the in-memory snapshot as JSON.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.metrics.Snapshot()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// PrometheusHandler serves the collectors in the Prometheus text format.
func (c *Collector) PrometheusHandler() http.Handler {
	return c.prometheus.Handler()
}

// Prometheus exposes the collectors backing this Collector.
func (c *Collector) Prometheus() *Prometheus {
	return c.prometheus
}
