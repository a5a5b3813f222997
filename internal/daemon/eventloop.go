package daemon

import (
	"context"
	"time"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
)

// DefaultMaintenanceInterval is how often the event loop runs housekeeping.
const DefaultMaintenanceInterval = 30 * time.Second

// EventLoop handles the main event processing loop
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: DefaultMaintenanceInterval,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes gauges and logs load. Cleanup and the scheduler
// run on their own timers.
func (e *EventLoop) processTasks() {
	d := e.daemon

	observability.SetMemoryBytes(len(d.memory.Content()))
	observability.SetEventsDropped(int64(d.bus.Dropped()))

	status := d.Status()
	stats := d.coordinator.Stats()
	if status.ActiveRuns > 0 || stats.RunningTasks > 0 {
		d.log.Debug().
			Int("active_runs", status.ActiveRuns).
			Int("running_tasks", stats.RunningTasks).
			Int("gateway_clients", status.GatewayClients).
			Msg("Daemon load")
	}
}
