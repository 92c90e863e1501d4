package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/store"
)

func flatBars(n int, startVol float64, startH float64) []barstore.Bar {
	base := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	out := make([]barstore.Bar, n)
	for i := 0; i < n; i++ {
		out[i] = barstore.Bar{
			TS: base.Add(time.Duration(i) * time.Minute),
			O:  startH, H: startH, L: startH, C: startH,
			V: startVol,
		}
	}
	return out
}

func TestComputeMetrics_RequiresSixBars(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	bars := flatBars(5, 1000, 10.0)
	_, ok := ComputeMetrics("ABC", bars, barstore.HODState{}, cfg)
	assert.False(t, ok)
}

func TestComputeMetrics_IgnitionScenario(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	bars := flatBars(7, 1000, 10.00)
	bars[6] = barstore.Bar{
		TS: bars[5].TS.Add(time.Minute),
		O:  10.00, H: 10.25, L: 10.00, C: 10.20,
		V: 200000,
	}
	hod := barstore.HODState{HOD: 10.25, PrevHOD: 10.00, TS: bars[6].TS, Present: true}

	m, ok := ComputeMetrics("ABC", bars, hod, cfg)
	require.True(t, ok)

	assert.Equal(t, 200000.0, m.Vol1m)
	assert.True(t, m.RVOL1m >= cfg.RVOL1mThresh, "expected rvol_1m >= threshold, got %v", m.RVOL1m)
	assert.True(t, m.PctChange1m >= cfg.MinPctChange1m, "expected pct_change_1m >= threshold, got %v", m.PctChange1m)
	assert.True(t, m.BrokeHOD)
	assert.GreaterOrEqual(t, m.Score, 40.0)
}

func TestComputeMetrics_PctChangeEpsilonGuard(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	bars := flatBars(7, 1000, 0)
	_, ok := ComputeMetrics("ZERO", bars, barstore.HODState{}, cfg)
	require.True(t, ok) // must not panic/divide-by-zero
}

func TestComputeMetrics_BrokeHODRequiresKnownPrevHOD(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	bars := flatBars(7, 1000, 10.00)
	bars[6].H = 50.0 // huge new high, but HOD state never observed before
	m, ok := ComputeMetrics("ABC", bars, barstore.HODState{Present: false}, cfg)
	require.True(t, ok)
	assert.False(t, m.BrokeHOD)
}
