package scanner

import (
	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/store"
)

// priceEpsilon guards percent-change denominators against division by zero
// on a zero or unset previous close.
const priceEpsilon = 1e-9

// avg1mCeiling and avg5mCeiling are the baseline window ceilings the
// original engine hardcoded (45 and 90 bars). SPEC_FULL.md resolves the
// rvol_lookback_minutes ambiguity by letting the configured lookback
// narrow the windows below these ceilings, never widen them: the 1m window
// is min(45, lookback, available history) and the 5-bar window is
// min(90, 2*lookback, available history).
const (
	avg1mCeiling = 45
	avg5mCeiling = 90
)

// Metrics is the computed snapshot for one symbol's most recent bar.
type Metrics struct {
	Symbol string
	Last   barstore.Bar

	Vol1m            float64
	Vol5m            float64
	AvgVol1mLookback float64
	RVOL1m           float64
	RVOL5m           float64

	PctChange1m float64
	PctChange5m float64

	HOD      float64
	PrevHOD  float64
	BrokeHOD bool

	Score      float64
	ReasonTags []string
}

// ComputeMetrics requires at least 6 bars (oldest-first) and the symbol's
// current HOD state (maintained independently by the bar store, not
// recomputed from the fetched window). Returns ok=false when there isn't
// enough history yet, mirroring the original engine's silent skip.
func ComputeMetrics(symbol string, bars []barstore.Bar, hod barstore.HODState, cfg store.ScannerConfig) (Metrics, bool) {
	n := len(bars)
	if n < 6 {
		return Metrics{}, false
	}

	last := bars[n-1]
	prev := bars[n-2]
	prev5 := bars[n-6]
	last5 := bars[n-5:]

	vol1m := last.V
	var vol5m float64
	for _, b := range last5 {
		vol5m += b.V
	}

	excludingLast := bars[:n-1] // oldest-first, last bar excluded

	window1 := minInt(avg1mCeiling, cfg.RVOLLookbackMinutes, len(excludingLast))
	avgVol1m := meanVolume(tail(excludingLast, window1))
	rvol1m := vol1m / max1(avgVol1m)

	window5 := minInt(avg5mCeiling, 2*cfg.RVOLLookbackMinutes, len(excludingLast))
	avgVol5m := rollingFiveBarMean(tail(excludingLast, window5))
	if avgVol5m == 0 {
		avgVol5m = avgVol1m * 5
	}
	rvol5m := vol5m / max1(avgVol5m)

	pctChange1m := (last.C - prev.C) / maxEps(prev.C) * 100.0
	pctChange5m := (last.C - prev5.C) / maxEps(prev5.C) * 100.0

	brokeHOD := hod.Present && last.H > hod.PrevHOD

	score := minF(rvol1m, 20.0)*5.0 + minF(maxF(pctChange1m, 0.0), 10.0)*4.0
	if brokeHOD {
		score += 20.0
	}

	var tags []string
	if rvol1m >= 1.0 {
		tags = append(tags, "RVOL_1M")
	}
	if rvol5m >= 1.0 {
		tags = append(tags, "RVOL_5M")
	}
	if pctChange1m >= 0.0 {
		tags = append(tags, "UP_1M")
	}
	if brokeHOD {
		tags = append(tags, "HOD_BREAK")
	}

	return Metrics{
		Symbol:           symbol,
		Last:             last,
		Vol1m:            vol1m,
		Vol5m:            vol5m,
		AvgVol1mLookback: avgVol1m,
		RVOL1m:           rvol1m,
		RVOL5m:           rvol5m,
		PctChange1m:      pctChange1m,
		PctChange5m:      pctChange5m,
		HOD:              hod.HOD,
		PrevHOD:          hod.PrevHOD,
		BrokeHOD:         brokeHOD,
		Score:            score,
		ReasonTags:       tags,
	}, true
}

func tail(bars []barstore.Bar, n int) []barstore.Bar {
	if n <= 0 || len(bars) == 0 {
		return nil
	}
	if n > len(bars) {
		n = len(bars)
	}
	return bars[len(bars)-n:]
}

func meanVolume(bars []barstore.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.V
	}
	return sum / float64(len(bars))
}

// rollingFiveBarMean averages the overlapping rolling 5-bar volume sums,
// one per start index, across bars (oldest-first). Returns 0 if fewer than 5 bars are
// available, so callers can fall back to a derived baseline.
func rollingFiveBarMean(bars []barstore.Bar) float64 {
	if len(bars) < 5 {
		return 0
	}
	var total float64
	count := 0
	for i := 0; i+5 <= len(bars); i++ {
		var sum float64
		for _, b := range bars[i : i+5] {
			sum += b.V
		}
		total += sum
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func max1(v float64) float64 {
	if v > 1.0 {
		return v
	}
	return 1.0
}

func maxEps(v float64) float64 {
	if v > priceEpsilon {
		return v
	}
	return priceEpsilon
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
