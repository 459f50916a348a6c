// Package metrics provides real-time metrics collection for the proxy.
//
// It uses a channel-based event pipeline to asynchronously collect:
//   - Accepted client connections
//   - Upstream selections and relayed requests per upstream
//   - Response times with percentile calculations (P50, P95, P99)
//   - Status code distribution, synthesized client errors and rate-limit rejections
//   - Upstream liveness transitions
//
// The collector runs in a dedicated goroutine and processes events without blocking
// the connection handlers. Emit never blocks; events are dropped when the buffer is
// full.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Upstream:   "127.0.0.1:8081",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// Every event also updates Prometheus collectors held in a per-collector
// registry, served by PrometheusHandler.
package metrics
