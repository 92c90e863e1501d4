package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	mu  sync.Mutex
	set map[string]time.Time
}

func newFakeLock() *fakeLock {
	return &fakeLock{set: make(map[string]time.Time)}
}

func (f *fakeLock) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exp, ok := f.set[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	f.set[key] = time.Now().Add(ttl)
	return true, nil
}

type fakeEngine struct {
	ticks int32
}

func (e *fakeEngine) Tick(ctx context.Context) (int, error) {
	atomic.AddInt32(&e.ticks, 1)
	return 0, nil
}

type fakePruner struct {
	calls int32
	last  time.Time
}

func (p *fakePruner) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	atomic.AddInt32(&p.calls, 1)
	p.last = cutoff
	return 0, nil
}

func testLog() *logrus.Entry {
	return logrus.New().WithField("component", "test")
}

func TestRunTick_SkipsWhenLockHeld(t *testing.T) {
	lock := newFakeLock()
	engine := &fakeEngine{}
	s := New(engine, &fakePruner{}, lock, testLog(), DefaultConfig())

	ctx := context.Background()
	s.runTick(ctx)
	s.runTick(ctx)

	require.Equal(t, int32(1), atomic.LoadInt32(&engine.ticks), "second tick should be skipped, lock already held")
}

func TestRunTick_RunsAgainAfterLockExpires(t *testing.T) {
	lock := newFakeLock()
	engine := &fakeEngine{}
	cfg := DefaultConfig()
	cfg.TickLockTTL = 10 * time.Millisecond
	s := New(engine, &fakePruner{}, lock, testLog(), cfg)

	ctx := context.Background()
	s.runTick(ctx)
	time.Sleep(20 * time.Millisecond)
	s.runTick(ctx)

	require.Equal(t, int32(2), atomic.LoadInt32(&engine.ticks))
}

func TestRunPrune_UsesConfiguredRetentionWindow(t *testing.T) {
	lock := newFakeLock()
	pruner := &fakePruner{}
	cfg := DefaultConfig()
	cfg.RetentionDays = 7
	s := New(&fakeEngine{}, pruner, lock, testLog(), cfg)

	before := time.Now().UTC().Add(-7 * 24 * time.Hour)
	s.runPrune(context.Background())
	after := time.Now().UTC().Add(-7 * 24 * time.Hour)

	require.Equal(t, int32(1), atomic.LoadInt32(&pruner.calls))
	require.True(t, !pruner.last.Before(before.Add(-time.Second)) && !pruner.last.After(after.Add(time.Second)))
}

func TestRunPrune_ClampsRetentionBelowOneDay(t *testing.T) {
	lock := newFakeLock()
	pruner := &fakePruner{}
	cfg := DefaultConfig()
	cfg.RetentionDays = 0
	s := New(&fakeEngine{}, pruner, lock, testLog(), cfg)

	s.runPrune(context.Background())

	require.Equal(t, int32(1), atomic.LoadInt32(&pruner.calls))
	require.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), pruner.last, 2*time.Second)
}

func TestStartStop_RegistersJobsAndStopsCleanly(t *testing.T) {
	lock := newFakeLock()
	engine := &fakeEngine{}
	s := New(engine, &fakePruner{}, lock, testLog(), DefaultConfig())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
