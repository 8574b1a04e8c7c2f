// Package scheduler provides the periodic flush trigger for the offline
// operation queue and wires connectivity transitions into it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sbarhandoff/backend/internal/clock"
	"github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/sync/connectivity"
	"github.com/sbarhandoff/backend/internal/sync/queue"
)

// Flusher is the part of the queue the scheduler drives.
type Flusher interface {
	Flush(ctx context.Context) queue.FlushResult
	SetOnline(online bool)
	IsOnline() bool
	Len() int
	Status() models.SyncStatus
}

// ConnectivitySource publishes reachability transitions.
type ConnectivitySource interface {
	IsOnline() bool
	Subscribe(l connectivity.Listener) (unsubscribe func())
}

// Scheduler manages the background flush trigger.
type Scheduler struct {
	queue        Flusher
	monitor      ConnectivitySource
	syncInterval time.Duration
	clock        clock.Clock

	mu          sync.RWMutex
	cron        *cron.Cron
	unsubscribe func()
	isRunning   bool
	lastTick    time.Time
	lastResult  queue.FlushResult
	ticks       int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to flush while online (default: 30 seconds)
	Clock        clock.Clock   // Stamps LastTick (default: real clock)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
	}
}

// NewScheduler creates a new Scheduler. monitor may be nil when
// connectivity is driven by hand.
func NewScheduler(q Flusher, monitor ConnectivitySource, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Scheduler{
		queue:        q,
		monitor:      monitor,
		syncInterval: config.SyncInterval,
		clock:        clk,
	}
}

// Start registers the periodic job and subscribes the queue to connectivity
// transitions. The queue adopts the monitor's current state first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	c := cron.New(
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	spec := fmt.Sprintf("@every %s", s.syncInterval)
	if _, err := c.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return errors.Wrap(errors.ErrConfig, "invalid sync interval", err)
	}

	if s.monitor != nil {
		s.queue.SetOnline(s.monitor.IsOnline())
		s.unsubscribe = s.monitor.Subscribe(s.queue.SetOnline)
	}

	c.Start()
	s.cron = c
	s.isRunning = true

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
	return nil
}

// Stop stops the periodic job and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	c := s.cron
	unsubscribe := s.unsubscribe
	s.cron = nil
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	<-c.Stop().Done()

	logging.Info("Background sync scheduler stopped", nil)
}

// Tick is the periodic job body: it flushes when online and the queue is
// non-empty. It reports whether a flush was attempted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.queue.IsOnline() {
		logging.Debug("Skipping periodic flush - offline", nil)
		return false
	}
	if s.queue.Len() == 0 {
		return false
	}

	result := s.queue.Flush(ctx)

	s.mu.Lock()
	s.lastTick = s.clock.Now()
	s.lastResult = result
	s.ticks++
	s.mu.Unlock()

	if !result.Skipped {
		logging.Info("Periodic flush completed", map[string]interface{}{
			"synced":  result.Synced,
			"retried": result.Retried,
			"dropped": result.Dropped,
		})
	}
	return true
}

// SchedulerStatus is the current status of the scheduler.
type SchedulerStatus struct {
	IsRunning  bool              `json:"isRunning"`
	Interval   string            `json:"interval"`
	LastTick   *time.Time        `json:"lastTick,omitempty"`
	Ticks      int               `json:"ticks"`
	LastResult queue.FlushResult `json:"lastResult"`
	Sync       models.SyncStatus `json:"sync"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		Interval:   s.syncInterval.String(),
		Ticks:      s.ticks,
		LastResult: s.lastResult,
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		status.LastTick = &t
	}
	s.mu.RUnlock()

	status.Sync = s.queue.Status()
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// cronLogger routes cron's own messages through the logging facade.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron: "+msg, kvContext(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.ErrorWithCode("cron: "+msg, string(errors.ErrInternal), err, kvContext(keysAndValues))
}

func kvContext(keysAndValues []interface{}) map[string]interface{} {
	if len(keysAndValues) == 0 {
		return nil
	}
	ctx := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ctx[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return ctx
}
