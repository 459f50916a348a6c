package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus holds the exported collectors. Each instance owns its registry
// so several proxies (or tests) can live in one process.
type Prometheus struct {
	registry *prometheus.Registry

	ConnectionsTotal prometheus.Counter
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ClientErrors     *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	UpstreamUp       *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),

		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "balancebeam_connections_total",
				Help: "Total number of accepted client connections",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancebeam_requests_total",
				Help: "Total number of requests relayed to upstreams",
			},
			[]string{"upstream", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancebeam_request_duration_seconds",
				Help:    "Time from forwarding a request to receiving the upstream response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"upstream"},
		),
		ClientErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancebeam_client_errors_total",
				Help: "Error responses synthesized by the proxy",
			},
			[]string{"code"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "balancebeam_rate_limited_total",
				Help: "Requests rejected by the per-IP rate limit",
			},
		),
		UpstreamUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balancebeam_upstream_up",
				Help: "Whether the upstream is currently considered alive (1) or dead (0)",
			},
			[]string{"upstream"},
		),
	}

	p.registry.MustRegister(
		p.ConnectionsTotal,
		p.RequestsTotal,
		p.RequestDuration,
		p.ClientErrors,
		p.RateLimitedTotal,
		p.UpstreamUp,
	)

	return p
}

func (p *Prometheus) Observe(event MetricEvent) {
	switch event.Type {
	case EventConnectionAccepted:
		p.ConnectionsTotal.Inc()

	case EventResponseCompleted:
		p.RequestsTotal.WithLabelValues(event.Upstream, strconv.Itoa(event.StatusCode)).Inc()
		p.RequestDuration.WithLabelValues(event.Upstream).Observe(event.Duration.Seconds())

	case EventClientError:
		p.ClientErrors.WithLabelValues(strconv.Itoa(event.StatusCode)).Inc()

	case EventRateLimited:
		p.RateLimitedTotal.Inc()

	case EventHealthChanged:
		up := 0.0
		if event.Healthy {
			up = 1
		}
		p.UpstreamUp.WithLabelValues(event.Upstream).Set(up)
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
