package metrics_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angeloszaimis/balancebeam/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Suppress logs in tests
		}))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Emit", func() {
		It("should be a no-op on a nil collector", func() {
			var c *metrics.Collector
			Expect(func() { c.Emit(metrics.MetricEvent{Type: metrics.EventRateLimited}) }).NotTo(Panic())
		})

		It("should drop events instead of blocking when the buffer is full", func() {
			small := metrics.NewCollector(1, log)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 10; i++ {
					small.Emit(metrics.MetricEvent{Type: metrics.EventRateLimited})
				}
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("Start and event processing", func() {
		BeforeEach(func() {
			collector.Start(ctx)
		})

		It("should count accepted connections", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted, Timestamp: time.Now()})

			Eventually(func() int64 {
				return collector.Snapshot().TotalConnections
			}).Should(Equal(int64(1)))
			Expect(testutil.ToFloat64(collector.Prometheus().ConnectionsTotal)).To(Equal(1.0))
		})

		It("should process EventUpstreamSelected", func() {
			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventUpstreamSelected,
				Timestamp: time.Now(),
				Upstream:  "127.0.0.1:8081",
			})

			Eventually(func() int64 {
				return collector.Snapshot().Upstreams["127.0.0.1:8081"].Selections
			}).Should(Equal(int64(1)))
		})

		It("should process EventResponseCompleted", func() {
			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Timestamp:  time.Now(),
				Upstream:   "127.0.0.1:8081",
				Duration:   100 * time.Millisecond,
				StatusCode: 200,
			})

			Eventually(func() int64 {
				return collector.Snapshot().TotalRequests
			}).Should(Equal(int64(1)))

			upstream := collector.Snapshot().Upstreams["127.0.0.1:8081"]
			Expect(upstream.AvgResponse).To(Equal(100 * time.Millisecond))
			Expect(upstream.StatusCodes[200]).To(Equal(int64(1)))
			Expect(testutil.ToFloat64(collector.Prometheus().RequestsTotal.WithLabelValues("127.0.0.1:8081", "200"))).To(Equal(1.0))
		})

		It("should process client errors and rate limiting", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventClientError, StatusCode: 400})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventClientError, StatusCode: 429})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRateLimited})

			Eventually(func() int64 {
				return collector.Snapshot().RateLimited
			}).Should(Equal(int64(1)))

			snap := collector.Snapshot()
			Expect(snap.ClientErrors[400]).To(Equal(int64(1)))
			Expect(snap.ClientErrors[429]).To(Equal(int64(1)))
			Expect(testutil.ToFloat64(collector.Prometheus().RateLimitedTotal)).To(Equal(1.0))
		})

		It("should process EventHealthChanged", func() {
			collector.Emit(metrics.MetricEvent{
				Type:     metrics.EventHealthChanged,
				Upstream: "127.0.0.1:8081",
				Healthy:  true,
			})

			Eventually(func() bool {
				return collector.Snapshot().Upstreams["127.0.0.1:8081"].Healthy
			}).Should(BeTrue())
			Expect(testutil.ToFloat64(collector.Prometheus().UpstreamUp.WithLabelValues("127.0.0.1:8081"))).To(Equal(1.0))
		})
	})

	It("should drain queued events on context cancellation", func() {
		for i := 0; i < 5; i++ {
			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Upstream:   "127.0.0.1:8081",
				StatusCode: 200,
			})
		}

		collector.Start(ctx)
		cancel()

		Eventually(func() int64 {
			return collector.Snapshot().Upstreams["127.0.0.1:8081"].Requests
		}).Should(Equal(int64(5)))
	})

	Describe("Handlers", func() {
		It("should serve the snapshot as JSON", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})
			Eventually(func() int64 { return collector.Snapshot().TotalConnections }).Should(Equal(int64(1)))

			w := httptest.NewRecorder()
			collector.Handler()(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(w.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.TotalConnections).To(Equal(int64(1)))
		})

		It("should serve Prometheus metrics", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRateLimited})
			Eventually(func() int64 { return collector.Snapshot().RateLimited }).Should(Equal(int64(1)))

			server := httptest.NewServer(collector.PrometheusHandler())
			defer server.Close()

			resp, err := http.Get(server.URL)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("balancebeam_rate_limited_total 1"))
		})
	})
})
