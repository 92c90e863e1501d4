package barstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"ignition-scanner/internal/tradingday"
)

// newTestStore connects to a local Redis instance for integration-style
// coverage of the hot store. It skips the test when no instance is
// reachable, matching how this suite is expected to run in CI (a Redis
// service container) versus a bare developer laptop.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s, skipping: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.FlushDB(context.Background()).Err() })
	return New(rdb)
}

func bar(ts time.Time, h, v float64) Bar {
	return Bar{TS: ts, O: h, H: h, L: h, C: h, V: v}
}

func TestPushBar_StrictlyDecreasingUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.PushBar(ctx, "ABC", bar(base.Add(time.Duration(i)*time.Minute), 10+float64(i), 1000), 120))
	}
	// duplicate of the last pushed ts must be rejected
	require.ErrorIs(t, s.PushBar(ctx, "ABC", bar(base.Add(4*time.Minute), 999, 1), 120), ErrOutOfOrder)
	// a bar older than the current head must also be rejected, not LPUSHed
	// ahead of it
	require.ErrorIs(t, s.PushBar(ctx, "ABC", bar(base.Add(2*time.Minute), 999, 1), 120), ErrOutOfOrder)

	bars, err := s.FetchAllBars(ctx, "ABC", "20260305", 120)
	require.NoError(t, err)
	require.Len(t, bars, 5)
	for i := 1; i < len(bars); i++ {
		require.True(t, bars[i].TS.After(bars[i-1].TS))
	}
	require.Equal(t, 14.0, bars[len(bars)-1].H)
}

func TestPushBar_TruncatesToKeep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.PushBar(ctx, "XYZ", bar(base.Add(time.Duration(i)*time.Minute), 1, 1), 3))
	}
	bars, err := s.FetchAllBars(ctx, "XYZ", "20260305", 10)
	require.NoError(t, err)
	require.Len(t, bars, 3)
}

func TestUpdateHOD_TracksMaxAndPrev(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	st, err := s.UpdateHOD(ctx, "ABC", "20260305", 10.0, ts)
	require.NoError(t, err)
	require.Equal(t, 10.0, st.HOD)
	require.Equal(t, 0.0, st.PrevHOD)

	st, err = s.UpdateHOD(ctx, "ABC", "20260305", 10.25, ts.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 10.25, st.HOD)
	require.Equal(t, 10.0, st.PrevHOD)

	st, err = s.UpdateHOD(ctx, "ABC", "20260305", 9.0, ts.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 10.25, st.HOD, "hod never decreases")
	require.Equal(t, 10.25, st.PrevHOD)
}

func TestRebuildHOD_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	highs := []float64{10.0, 10.1, 10.25, 10.05}
	for i, h := range highs {
		require.NoError(t, s.PushBar(ctx, "ABC", bar(base.Add(time.Duration(i)*time.Minute), h, 1000), 120))
	}

	first, err := s.RebuildHOD(ctx, "ABC", "20260305", 120)
	require.NoError(t, err)
	require.Equal(t, 10.25, first.HOD)
	require.Equal(t, 10.25, first.PrevHOD)

	second, err := s.RebuildHOD(ctx, "ABC", "20260305", 120)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDeleteSymbol_RemovesAllDayKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PushBar(ctx, "DEL", bar(time.Now().UTC(), 1, 1), 10))
	_, err := s.UpdateHOD(ctx, "DEL", tradingDayFor(t), 1, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.DeleteSymbol(ctx, "DEL"))

	bars, err := s.FetchAllBars(ctx, "DEL", tradingDayFor(t), 10)
	require.NoError(t, err)
	require.Empty(t, bars)

	hod, err := s.GetHOD(ctx, "DEL", tradingDayFor(t))
	require.NoError(t, err)
	require.False(t, hod.Present)
}

func tradingDayFor(t *testing.T) string {
	t.Helper()
	return tradingday.ID(time.Now().UTC())
}
