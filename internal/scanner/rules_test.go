package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/store"
)

func ignitionMetrics(t *testing.T, cfg store.ScannerConfig) Metrics {
	t.Helper()
	bars := flatBars(7, 1000, 10.00)
	bars[6] = barstore.Bar{TS: bars[5].TS.Add(time.Minute), O: 10.00, H: 10.25, L: 10.00, C: 10.20, V: 200000}
	hod := barstore.HODState{HOD: 10.25, PrevHOD: 10.00, TS: bars[6].TS, Present: true}
	m, ok := ComputeMetrics("ABC", bars, hod, cfg)
	if !ok {
		t.Fatal("expected metrics to compute")
	}
	return m
}

func TestShouldTrigger_IgnitionScenarioPasses(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	cfg.RequireHODBreak = true
	m := ignitionMetrics(t, cfg)

	d := ShouldTrigger(m, cfg)
	assert.True(t, d.Triggered)
	assert.Contains(t, d.Tags, "HOD_BREAK")
}

func TestShouldTrigger_FailsVolumeGate(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	cfg.MinVol1m = 10_000_000
	m := ignitionMetrics(t, cfg)
	assert.False(t, ShouldTrigger(m, cfg).Triggered)
}

func TestShouldTrigger_RequireGreenCandle(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	cfg.RequireGreenCandle = true
	m := ignitionMetrics(t, cfg)
	m.Last.C = m.Last.O - 0.01 // red candle
	assert.False(t, ShouldTrigger(m, cfg).Triggered)
}

func TestCheckCooldown_NoPriorEventAllows(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	d := CheckCooldown(nil, 10.0, cfg, time.Now())
	assert.True(t, d.Allowed)
}

func TestCheckCooldown_SuppressesWithinWindow(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	cfg.RealertOnNewHOD = false
	cfg.CooldownMinutes = 15
	now := time.Now()
	prior := &store.TriggerEvent{TriggeredAt: now.Add(-5 * time.Minute), HOD: 10.25}
	d := CheckCooldown(prior, 10.25, cfg, now)
	assert.False(t, d.Allowed)
}

func TestCheckCooldown_ReAlertsOnNewHOD(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	cfg.RealertOnNewHOD = true
	cfg.CooldownMinutes = 15
	now := time.Now()
	prior := &store.TriggerEvent{TriggeredAt: now.Add(-5 * time.Minute), HOD: 10.25}

	// same HOD: still suppressed
	assert.False(t, CheckCooldown(prior, 10.25, cfg, now).Allowed)
	// strictly greater HOD: allowed
	assert.True(t, CheckCooldown(prior, 10.40, cfg, now).Allowed)
}

func TestCheckCooldown_ElapsedWindowAllowsRegardlessOfHOD(t *testing.T) {
	cfg := store.DefaultScannerConfig()
	cfg.RealertOnNewHOD = false
	cfg.CooldownMinutes = 15
	now := time.Now()
	prior := &store.TriggerEvent{TriggeredAt: now.Add(-20 * time.Minute), HOD: 10.25}
	assert.True(t, CheckCooldown(prior, 10.25, cfg, now).Allowed)
}

func TestMergeTags_DedupesPreservingOrder(t *testing.T) {
	got := mergeTags([]string{"HOD_BREAK", "RVOL_1M_THR"}, []string{"RVOL_1M", "HOD_BREAK"})
	assert.Equal(t, []string{"HOD_BREAK", "RVOL_1M_THR", "RVOL_1M"}, got)
}
