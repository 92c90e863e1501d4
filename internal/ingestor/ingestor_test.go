package ingestor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/metrics"
	"ignition-scanner/internal/store"
	"ignition-scanner/internal/store/memory"
)

// fakeFeed delivers a scripted sequence of bars on each Run call, then
// keeps delivering a repeating heartbeat bar every tick (simulating a
// live stream) until ctx is cancelled, so inline universe-poll checks
// inside the onBar callback get a chance to run.
type fakeFeed struct {
	mu        sync.Mutex
	runCount  int
	barsByRun [][]VendorBar
	tick      time.Duration
}

func (f *fakeFeed) Run(ctx context.Context, symbols []string, onBar func(VendorBar)) error {
	f.mu.Lock()
	run := f.runCount
	f.runCount++
	f.mu.Unlock()

	var last VendorBar
	if run < len(f.barsByRun) {
		for _, b := range f.barsByRun[run] {
			onBar(b)
			last = b
		}
	}

	tick := f.tick
	if tick <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-ticker.C:
			n++
			next := last
			next.TS = ts
			onBar(next)
		}
		_ = n
	}
}

// fakeBarWriter is an in-memory BarWriter recording every write.
type fakeBarWriter struct {
	mu      sync.Mutex
	pushed  []barJob
	deleted []string
	beats   int
}

func (f *fakeBarWriter) PushBar(ctx context.Context, symbol string, bar barstore.Bar, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, barJob{symbol: symbol, bar: bar})
	return nil
}

func (f *fakeBarWriter) DeleteSymbol(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, symbol)
	return nil
}

func (f *fakeBarWriter) WriteHeartbeat(ctx context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return nil
}

func (f *fakeBarWriter) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed), len(f.deleted)
}

func testRegistry() *metrics.Registry {
	return metrics.NewRegistry(prometheus.NewRegistry())
}

func TestIngestor_WritesBarsFromFeed(t *testing.T) {
	ms := memory.New()
	ctx := context.Background()
	require.NoError(t, ms.UpsertSymbol(ctx, store.UniverseSymbol{Symbol: "ABC", Enabled: true}))

	feed := &fakeFeed{barsByRun: [][]VendorBar{
		{
			{Symbol: "ABC", TS: time.Now().UTC(), O: 1, H: 1, L: 1, C: 1, V: 100},
			{Symbol: "ABC", TS: time.Now().UTC().Add(time.Minute), O: 1, H: 1.2, L: 1, C: 1.1, V: 200},
		},
	}}
	writer := &fakeBarWriter{}
	log := logrus.New().WithField("component", "test")

	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.IdleSleep = 10 * time.Millisecond
	cfg.HeartbeatInterval = 0
	cfg.UniversePollInterval = 0

	ing := New(ms, writer, feed, testRegistry(), log, cfg)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = ing.Run(runCtx)

	pushed, _ := writer.snapshot()
	require.GreaterOrEqual(t, pushed, 2)
	require.False(t, ing.LastBarAt().IsZero())
}

func TestIngestor_EmptyUniverseClearsSymbols(t *testing.T) {
	ms := memory.New()
	ctx := context.Background()
	require.NoError(t, ms.UpsertSymbol(ctx, store.UniverseSymbol{Symbol: "XYZ", Enabled: true}))

	feed := &fakeFeed{
		barsByRun: [][]VendorBar{
			{{Symbol: "XYZ", TS: time.Now().UTC(), O: 1, H: 1, L: 1, C: 1, V: 100}},
		},
		tick: 5 * time.Millisecond,
	}
	writer := &fakeBarWriter{}
	log := logrus.New().WithField("component", "test")

	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.IdleSleep = 10 * time.Millisecond
	cfg.HeartbeatInterval = 0
	cfg.UniversePollInterval = 10 * time.Millisecond

	ing := New(ms, writer, feed, testRegistry(), log, cfg)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = ms.DeleteSymbol(ctx, "XYZ")
		time.Sleep(700 * time.Millisecond)
		cancel()
	}()
	_ = ing.Run(runCtx)

	_, deleted := writer.snapshot()
	require.Contains(t, deleted, "XYZ")
}

func TestIngestor_ContextCancelStopsCleanly(t *testing.T) {
	ms := memory.New()
	ctx := context.Background()

	feed := &fakeFeed{}
	writer := &fakeBarWriter{}
	log := logrus.New().WithField("component", "test")

	cfg := DefaultConfig()
	cfg.IdleSleep = 5 * time.Millisecond

	ing := New(ms, writer, feed, testRegistry(), log, cfg)

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ing.Run(runCtx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
