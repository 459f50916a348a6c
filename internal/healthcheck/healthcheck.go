package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/balancebeam/internal/httpcodec"
	"github.com/angeloszaimis/balancebeam/internal/metrics"
	"github.com/angeloszaimis/balancebeam/internal/state"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// probeBodyLimit caps how much of a probe response is buffered.
const probeBodyLimit = 1 << 20

// Checker actively probes every upstream on a fixed interval and records the
// verdicts in the proxy state.
type Checker struct {
	state     *state.ProxyState
	dialer    *net.Dialer
	interval  time.Duration
	timeout   time.Duration
	collector *metrics.Collector
	logger    *slog.Logger
}

func New(st *state.ProxyState, collector *metrics.Collector, logger *slog.Logger) *Checker {
	interval := st.HealthCheckInterval()
	if interval <= 0 {
		interval = DefaultInterval
	}

	timeout := st.HealthCheckTimeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Checker{
		state:     st,
		dialer:    &net.Dialer{},
		interval:  interval,
		timeout:   timeout,
		collector: collector,
		logger:    logger.With(slog.String("component", "healthcheck")),
	}
}

// Run waits one interval, probes every upstream, and repeats until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check stopped")
			return

		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle probes all upstreams concurrently. Each verdict is stored as soon
// as its probe finishes, and a failed probe never affects the others.
func (c *Checker) RunCycle(ctx context.Context) {
	var g errgroup.Group

	for _, addr := range c.state.Addresses() {
		g.Go(func() error {
			c.check(ctx, addr)
			return nil
		})
	}

	_ = g.Wait()
}

func (c *Checker) check(ctx context.Context, addr string) {
	err := c.Probe(ctx, addr)
	alive := err == nil

	if err != nil {
		c.logger.Debug("Active health check failed",
			slog.String("upstream", addr),
			slog.Any("err", err))
	}

	if !c.state.MarkAlive(addr, alive) {
		return
	}

	if alive {
		c.logger.Info("Upstream is back up", slog.String("upstream", addr))
	} else {
		c.logger.Warn("Upstream is down", slog.String("upstream", addr))
	}

	c.collector.Emit(metrics.MetricEvent{
		Type:      metrics.EventHealthChanged,
		Timestamp: time.Now(),
		Upstream:  addr,
		Healthy:   alive,
	})
}

// Probe opens a fresh connection to addr, sends a GET for the configured
// path and reads one response. It returns nil only for a 200 response
// received within the probe timeout.
func (c *Checker) Probe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}

	req := httpcodec.NewRequest(http.MethodGet, c.state.HealthCheckPath(), addr)
	if err := httpcodec.WriteRequest(conn, req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	resp, err := httpcodec.NewReader(conn, probeBodyLimit).ReadResponse(http.MethodGet)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}
