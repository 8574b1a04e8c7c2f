// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sbarhandoff/backend/internal/clock"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/sync/connectivity"
	"github.com/sbarhandoff/backend/internal/sync/queue"
	"github.com/sbarhandoff/backend/internal/sync/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =====================================================
// Test Helpers
// =====================================================

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// countingExecutor fails the first failures calls and succeeds afterwards.
type countingExecutor struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (e *countingExecutor) Execute(context.Context, models.PendingOperation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return errors.New("remote unavailable")
	}
	return nil
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func createTestScheduler(t *testing.T, exec queue.Executor, online bool) (*queue.Queue, *connectivity.Monitor, *Scheduler) {
	t.Helper()

	fake := clock.NewFake(epoch)
	q, err := queue.New(context.Background(), queue.Options{
		Store:    storage.NewMemory(),
		Executor: exec,
		Clock:    fake,
		Online:   online,
	})
	require.NoError(t, err)
	t.Cleanup(q.Close)

	monitor := connectivity.NewMonitor(online)
	s := NewScheduler(q, monitor, &SchedulerConfig{SyncInterval: time.Hour, Clock: fake})
	t.Cleanup(s.Stop)

	return q, monitor, s
}

// =====================================================
// Configuration
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	require.NotNil(t, config)
	assert.Equal(t, 30*time.Second, config.SyncInterval)
}

func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	assert.Equal(t, 30*time.Second, s.syncInterval)

	s = NewScheduler(nil, nil, &SchedulerConfig{SyncInterval: -time.Second})
	assert.Equal(t, 30*time.Second, s.syncInterval)
	assert.IsType(t, clock.Real{}, s.clock)
}

func TestTick_stampsWithInjectedClock(t *testing.T) {
	exec := &countingExecutor{failures: 1}
	q, _, s := createTestScheduler(t, exec, false)
	fake := s.clock.(*clock.Fake)

	_, err := q.Enqueue(context.Background(), models.OperationPatient, nil)
	require.NoError(t, err)
	fake.Advance(90 * time.Minute)

	q.SetOnline(true)
	q.Wait()
	require.Equal(t, 1, q.Len())

	require.True(t, s.Tick(context.Background()))
	status := s.GetStatus()
	require.NotNil(t, status.LastTick)
	assert.Equal(t, epoch.Add(90*time.Minute), *status.LastTick)
}

// =====================================================
// Lifecycle
// =====================================================

func TestScheduler_startStopIdempotent(t *testing.T) {
	_, _, s := createTestScheduler(t, &countingExecutor{}, true)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.True(t, s.GetStatus().IsRunning)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestScheduler_startAdoptsMonitorState(t *testing.T) {
	q, _, s := createTestScheduler(t, &countingExecutor{}, true)
	monitor := connectivity.NewMonitor(false)
	s.monitor = monitor

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, q.IsOnline())
}

func TestScheduler_forwardsConnectivity(t *testing.T) {
	exec := &countingExecutor{}
	q, monitor, s := createTestScheduler(t, exec, false)

	_, err := q.Enqueue(context.Background(), models.OperationPatient, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	monitor.SetOnline(true)
	q.Wait()
	assert.True(t, q.IsOnline())
	assert.Equal(t, 1, exec.count(), "offline to online flushes immediately")
	assert.Equal(t, 0, q.Len())

	s.Stop()
	monitor.SetOnline(false)
	assert.True(t, q.IsOnline(), "transitions after Stop are not forwarded")
}

// =====================================================
// Tick
// =====================================================

func TestTick_skipsOfflineAndEmpty(t *testing.T) {
	exec := &countingExecutor{}
	q, _, s := createTestScheduler(t, exec, false)

	assert.False(t, s.Tick(context.Background()), "empty and offline")

	_, err := q.Enqueue(context.Background(), models.OperationEvolution, nil)
	require.NoError(t, err)
	assert.False(t, s.Tick(context.Background()), "offline")
	assert.Equal(t, 0, exec.count())

	q.SetOnline(true)
	q.Wait()
	assert.False(t, s.Tick(context.Background()), "empty after the connectivity flush")
}

// One pending operation that fails twice is confirmed on the third trigger.
func TestTick_failTwiceThenSucceed(t *testing.T) {
	exec := &countingExecutor{failures: 2}
	q, monitor, s := createTestScheduler(t, exec, false)
	require.NoError(t, s.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), models.OperationEvolution, nil)
	require.NoError(t, err)

	monitor.SetOnline(true)
	q.Wait()
	require.Equal(t, 1, q.Pending()[0].RetryCount)

	assert.True(t, s.Tick(context.Background()))
	require.Equal(t, 2, q.Pending()[0].RetryCount)

	assert.True(t, s.Tick(context.Background()))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, exec.count())

	status := s.GetStatus()
	assert.Equal(t, 2, status.Ticks)
	assert.Equal(t, 1, status.LastResult.Synced)
	require.NotNil(t, status.LastTick)
	assert.Equal(t, epoch, *status.LastTick, "ticks are stamped by the injected clock")
	require.NotNil(t, status.Sync.LastSyncTime)
	assert.Equal(t, 0, status.Sync.PendingCount)
}

func TestScheduler_cronRunsTick(t *testing.T) {
	exec := &countingExecutor{}
	q, _, _ := createTestScheduler(t, exec, true)
	s := NewScheduler(q, nil, &SchedulerConfig{SyncInterval: time.Second})

	// the delayed flush never fires on the fake clock, so only cron can drain it
	_, err := q.Enqueue(context.Background(), models.OperationUpdate, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return q.Len() == 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, exec.count())
}

func TestKVContext(t *testing.T) {
	assert.Nil(t, kvContext(nil))
	assert.Equal(t, map[string]interface{}{"entry": 1, "next": "x"}, kvContext([]interface{}{"entry", 1, "next", "x", "dangling"}))
}
