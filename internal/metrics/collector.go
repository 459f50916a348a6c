package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventConnectionAccepted EventType = "connection_accepted"
	EventUpstreamSelected   EventType = "upstream_selected"
	EventResponseCompleted  EventType = "response_completed"
	EventClientError        EventType = "client_error"
	EventRateLimited        EventType = "rate_limited"
	EventHealthChanged      EventType = "health_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Upstream   string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *Prometheus
	logger     *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: NewPrometheus(),
		logger:     logger,
	}
}

// Emit queues an event without blocking. Events are dropped when the buffer
// is full. Emit on a nil Collector is a no-op.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventConnectionAccepted:
		c.metrics.IncrementConnections()

	case EventUpstreamSelected:
		c.metrics.RecordUpstreamSelection(event.Upstream)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Upstream, event.Duration, event.StatusCode)

	case EventClientError:
		c.metrics.RecordClientError(event.StatusCode)

	case EventRateLimited:
		c.metrics.IncrementRateLimited()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Upstream, event.Healthy)
	}

	c.prometheus.Observe(event)
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
