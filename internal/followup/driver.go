package followup

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/scheduler"
)

// Driver runs the follow-up scan pass on a fixed interval. Overlapping runs
// are skipped; the next tick re-scans the same due set.
type Driver struct {
	manager  *Manager
	sched    *scheduler.Scheduler
	interval time.Duration
	cancel   context.CancelFunc
}

// NewDriver creates a driver for the manager. A non-positive interval falls
// back to the default.
func NewDriver(manager *Manager, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Driver{manager: manager, interval: interval}
}

// Start begins the periodic scan passes.
func (d *Driver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.sched = scheduler.NewScheduler()
	d.sched.AddIntervalJob(d.interval, func() {
		d.manager.ProcessDueLeads(ctx)
	})
	slog.Info("FollowUp driver started", "interval", d.interval)
}

// Stop halts the driver and waits for an in-flight pass to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.sched != nil {
		d.sched.Stop()
	}
	slog.Debug("FollowUp driver stopped")
}
