package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/balancebeam/config"
	"github.com/angeloszaimis/balancebeam/internal/handler"
	"github.com/angeloszaimis/balancebeam/internal/healthcheck"
	"github.com/angeloszaimis/balancebeam/internal/httpserver"
	"github.com/angeloszaimis/balancebeam/internal/loadbalancer"
	"github.com/angeloszaimis/balancebeam/internal/metrics"
	"github.com/angeloszaimis/balancebeam/internal/proxyserver"
	"github.com/angeloszaimis/balancebeam/internal/state"
	"github.com/angeloszaimis/balancebeam/internal/strategy"
	"github.com/angeloszaimis/balancebeam/pkg/logger"
)

const (
	metricsBufferSize = 1000
	shutdownGrace     = 10 * time.Second
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "balancebeam",
		Short:        "Reverse proxy and load balancer for HTTP/1.1 upstreams",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				slog.Error("failed to load config", slog.Any("err", err))
				return err
			}

			log := logger.New(cfg.LogLevel, false, cfg.Environment)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(cfg, log)
			if err != nil {
				log.Error("Failed to start", slog.Any("err", err))
				return err
			}

			return a.run(ctx)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

type app struct {
	cfg       *config.Config
	log       *slog.Logger
	state     *state.ProxyState
	collector *metrics.Collector
	checker   *healthcheck.Checker
	evictor   *state.Evictor
	proxy     *proxyserver.Server
	admin     *httpserver.Server
}

// newApp wires every component and binds the listening sockets. A bind
// failure is returned so the process can exit non-zero.
func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	st, err := state.New(state.Options{
		Upstreams:            cfg.Upstreams,
		HealthCheckInterval:  cfg.HealthCheckPeriod(),
		HealthCheckPath:      cfg.HealthCheckPath,
		HealthCheckTimeout:   cfg.HealthCheckTimeout,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
	})
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(metricsBufferSize, log)
	strat := createStrategy(log, cfg.Strategy)
	lb := loadbalancer.NewLoadBalancer(st, strat, &net.Dialer{Timeout: cfg.ConnectTimeout}, collector, log)
	connHandler := handler.NewConnectionHandler(log, lb, st, collector, cfg.MaxBodySize)

	a := &app{
		cfg:       cfg,
		log:       log,
		state:     st,
		collector: collector,
		checker:   healthcheck.New(st, collector, log),
		evictor:   state.NewEvictor(st, state.DefaultEvictionSchedule, log),
		proxy:     proxyserver.New(cfg.Bind, connHandler, log),
	}

	if err := a.proxy.Listen(); err != nil {
		return nil, fmt.Errorf("could not bind to %s: %w", cfg.Bind, err)
	}

	if cfg.AdminBind == "" {
		return a, nil
	}

	admin, err := httpserver.New(cfg.AdminBind, setupRouter(st, collector), log)
	if err == nil {
		err = admin.Listen()
	}
	if err != nil {
		_ = a.proxy.Shutdown(context.Background())
		return nil, fmt.Errorf("could not start admin server on %s: %w", cfg.AdminBind, err)
	}
	a.admin = admin

	return a, nil
}

// run serves until ctx is cancelled or a server fails, then drains open
// connections for up to shutdownGrace.
func (a *app) run(ctx context.Context) error {
	a.collector.Start(ctx)
	for _, addr := range a.state.Addresses() {
		a.collector.Emit(metrics.MetricEvent{
			Type:      metrics.EventHealthChanged,
			Timestamp: time.Now(),
			Upstream:  addr,
			Healthy:   true,
		})
	}

	if a.cfg.MaxRequestsPerMinute > 0 {
		if err := a.evictor.Start(ctx); err != nil {
			return err
		}
	}

	go a.checker.Run(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.proxy.Serve(gctx)
	})

	if a.admin != nil {
		g.Go(a.admin.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if a.admin != nil {
			if err := a.admin.Shutdown(shutdownCtx); err != nil {
				a.log.Error("Error during admin shutdown", slog.Any("err", err))
			}
		}

		if err := a.proxy.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("Closed connections that outlived the grace period", slog.Any("err", err))
		}

		return nil
	})

	return g.Wait()
}

func createStrategy(logger *slog.Logger, strategyType string) strategy.Strategy {
	switch strategyType {
	case strategy.RoundRobin:
		return strategy.NewRoundRobinStrategy()
	case strategy.Random:
		return strategy.NewRandomStrategy()
	default:
		logger.Warn("Unknown strategy, defaulting to random", slog.String("requested", strategyType))
		return strategy.NewRandomStrategy()
	}
}
