package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultEvictionSchedule runs eviction once per rate window.
const DefaultEvictionSchedule = "@every 1m"

// Evictor periodically removes expired rate entries so the per-IP map does
// not grow without bound.
type Evictor struct {
	state    *ProxyState
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	mutex    sync.Mutex
	running  bool
}

func NewEvictor(state *ProxyState, schedule string, logger *slog.Logger) *Evictor {
	if schedule == "" {
		schedule = DefaultEvictionSchedule
	}

	return &Evictor{
		state:    state,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With(slog.String("component", "rate-evictor")),
	}
}

// Start schedules eviction and stops it when ctx is cancelled.
func (e *Evictor) Start(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.running {
		return nil
	}

	if _, err := e.cron.AddFunc(e.schedule, e.run); err != nil {
		return fmt.Errorf("invalid eviction schedule %q: %w", e.schedule, err)
	}

	e.cron.Start()
	e.running = true
	e.logger.Debug("Rate entry eviction scheduled", slog.String("schedule", e.schedule))

	go func() {
		<-ctx.Done()
		e.Stop()
	}()

	return nil
}

// Stop halts the schedule and waits for a running eviction to finish.
func (e *Evictor) Stop() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.running {
		return
	}

	<-e.cron.Stop().Done()
	e.running = false
}

func (e *Evictor) run() {
	if evicted := e.state.EvictExpired(); evicted > 0 {
		e.logger.Debug("Evicted expired rate entries",
			slog.Int("evicted", evicted),
			slog.Int("remaining", e.state.RateEntries()))
	}
}
