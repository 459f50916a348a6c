package loadbalancer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/balancebeam/internal/metrics"
	"github.com/angeloszaimis/balancebeam/internal/state"
	"github.com/angeloszaimis/balancebeam/internal/strategy"
)

var ErrAllUpstreamsDead = errors.New("all upstreams are dead")

// Dialer opens connections to upstreams. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// LoadBalancer hands out connections to live upstreams and fails over
// around upstreams that refuse connections.
type LoadBalancer struct {
	state     *state.ProxyState
	strategy  strategy.Strategy
	dialer    Dialer
	collector *metrics.Collector
	logger    *slog.Logger
}

func NewLoadBalancer(
	st *state.ProxyState,
	strat strategy.Strategy,
	dialer Dialer,
	collector *metrics.Collector,
	logger *slog.Logger,
) *LoadBalancer {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 5 * time.Second}
	}

	return &LoadBalancer{
		state:     st,
		strategy:  strat,
		dialer:    dialer,
		collector: collector,
		logger:    logger.With(slog.String("component", "loadbalancer")),
	}
}

// Connect returns a connection to a live upstream together with its address.
// The live set is re-read on every attempt and dials happen outside the
// state lock. An upstream that refuses a dial is marked dead and skipped for
// the rest of the call, so the loop ends once every candidate has failed.
func (lb *LoadBalancer) Connect(ctx context.Context) (net.Conn, string, error) {
	if !lb.state.AnyAlive() {
		lb.logger.Error("Failed to connect: all upstreams are dead")
		return nil, "", ErrAllUpstreamsDead
	}

	failed := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		candidates := lb.candidates(failed)
		if len(candidates) == 0 {
			lb.logger.Error("Failed to connect: all upstreams are dead",
				slog.Int("attempted", len(failed)))
			return nil, "", ErrAllUpstreamsDead
		}

		addr := lb.strategy.SelectUpstream(candidates)

		conn, err := lb.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			lb.collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventUpstreamSelected,
				Timestamp: time.Now(),
				Upstream:  addr,
			})
			return conn, addr, nil
		}

		failed[addr] = struct{}{}
		lb.logger.Warn("Failed to connect to upstream",
			slog.String("upstream", addr),
			slog.Any("err", err))

		if lb.state.MarkAlive(addr, false) {
			lb.collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventHealthChanged,
				Timestamp: time.Now(),
				Upstream:  addr,
				Healthy:   false,
			})
		}
	}
}

func (lb *LoadBalancer) candidates(failed map[string]struct{}) []string {
	live := lb.state.SnapshotLiveAddresses()

	out := live[:0]
	for _, addr := range live {
		if _, skip := failed[addr]; !skip {
			out = append(out, addr)
		}
	}

	return out
}

func (lb *LoadBalancer) LoadBalancerStrategy() strategy.Strategy {
	return lb.strategy
}
