/*
scheduler.go - Periodic automation runs

PURPOSE:
  Calls Runner.RunOnce on a fixed interval so pending events are turned into
  line items and obligations without operator action.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs immediately on start, then every Interval
  - A run still in progress when the ticker fires delays the next one; runs
    never overlap (Runner serializes RunOnce)

CONFIGURATION:
  - Interval: How often to run (default: 15 minutes)
  - Enabled: Whether the scheduler starts at all (default: true)

USAGE:
  scheduler := NewRunScheduler(runner, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - runner.go: RunOnce
  - api/handlers.go: TriggerRun endpoint (manual run)
*/
package automation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RunScheduler triggers RunOnce periodically.
type RunScheduler struct {
	Runner   *Runner
	Interval time.Duration
	Enabled  bool

	logger logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRunScheduler(runner *Runner, logger logrus.FieldLogger) *RunScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RunScheduler{
		Runner:   runner,
		Interval: 15 * time.Minute,
		Enabled:  true,
		logger:   logger.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *RunScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.logger.WithField("interval", rs.Interval.String()).Info("started")
}

// Stop cancels any run in progress and waits for the goroutine to exit.
func (rs *RunScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger.Info("stopped")
}

func (rs *RunScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.tick(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.tick(ctx)
		case <-rs.stop:
			return
		}
	}
}

func (rs *RunScheduler) tick(ctx context.Context) {
	if _, err := rs.Runner.RunOnce(ctx); err != nil {
		rs.logger.WithError(err).Error("scheduled run failed")
	}
}

// RunNow triggers an immediate run outside the ticker.
func (rs *RunScheduler) RunNow(ctx context.Context) (Summary, error) {
	return rs.Runner.RunOnce(ctx)
}

// NextRunTime estimates when the next scheduled run will occur.
func (rs *RunScheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.Interval)
}
