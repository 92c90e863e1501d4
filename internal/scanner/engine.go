// Package scanner implements the C4 ignition-detection engine: one pass
// per invocation over the enabled universe, computing metrics from the hot
// bar store, applying the cooldown and rule gates, persisting accepted
// trigger events, and handing them to the fan-out port. The tick-loop
// shape (poll bar state -> evaluate -> act, skip-on-error per symbol) is
// grounded on the teacher's internal/strategy.Engine.loop, generalized
// from a per-instrument order-execution loop to a whole-universe detection
// pass.
package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/metrics"
	"ignition-scanner/internal/store"
	"ignition-scanner/internal/tradingday"
)

// HotlistItem is one ranked row of the HOT-5 broadcast payload.
type HotlistItem struct {
	Symbol          string   `json:"symbol"`
	Score           float64  `json:"score"`
	LastPrice       float64  `json:"last_price"`
	PctChange1m     float64  `json:"pct_change_1m"`
	PctChange5m     float64  `json:"pct_change_5m"`
	RVOL1m          float64  `json:"rvol_1m"`
	RVOL5m          float64  `json:"rvol_5m"`
	Vol1m           float64  `json:"vol_1m"`
	Vol5m           float64  `json:"vol_5m"`
	HOD             float64  `json:"hod"`
	HODDistancePct  float64  `json:"hod_distance_pct"`
	BrokeHOD        bool     `json:"broke_hod"`
	BarTS           int64    `json:"bar_ts"`
	ReasonTags      []string `json:"reason_tags"`
}

// EventPublisher is the fan-out port the engine hands accepted events and
// hotlist snapshots to. Implemented by internal/wsbus.
type EventPublisher interface {
	PublishTrigger(ctx context.Context, ev store.TriggerEvent) error
	PublishHotlist(ctx context.Context, items []HotlistItem) error
}

// BarStore is the subset of internal/barstore.Store the engine depends on,
// narrowed to a port so the engine is unit-testable with an in-memory fake.
type BarStore interface {
	FetchBars(ctx context.Context, symbols []string, minutesWanted int, day string) (map[string][]barstore.Bar, error)
	GetHOD(ctx context.Context, symbol, day string) (barstore.HODState, error)
	RebuildHOD(ctx context.Context, symbol, day string, capN int) (barstore.HODState, error)
}

// Engine runs one C4 pass per Tick call.
type Engine struct {
	Config    store.ConfigStore
	Universe  store.UniverseStore
	Events    store.EventStore
	Bars      BarStore
	Publisher EventPublisher
	Metrics   *metrics.Registry
	Log       *logrus.Entry
	BarsKeep  int
	NowFunc   func() time.Time
}

// NewEngine constructs an Engine with sane defaults for NowFunc/BarsKeep.
func NewEngine(cfg store.ConfigStore, universe store.UniverseStore, events store.EventStore, bars BarStore, pub EventPublisher, reg *metrics.Registry, log *logrus.Entry) *Engine {
	return &Engine{
		Config:    cfg,
		Universe:  universe,
		Events:    events,
		Bars:      bars,
		Publisher: pub,
		Metrics:   reg,
		Log:       log,
		BarsKeep:  120,
		NowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) now() time.Time {
	if e.NowFunc != nil {
		return e.NowFunc()
	}
	return time.Now().UTC()
}

// Tick runs one full scanner pass. Per-symbol failures are logged and
// skipped so one symbol's bad data cannot abort the rest of the universe;
// a failure to load the config, the universe or the bars ends the pass
// and is returned to the caller.
func (e *Engine) Tick(ctx context.Context) (created int, err error) {
	start := time.Now()
	if e.Metrics != nil {
		defer func() { e.Metrics.TickDuration.Observe(time.Since(start).Seconds()) }()
	}

	now := e.now()

	cfg, err := e.Config.GetConfig(ctx)
	if err != nil {
		return 0, err
	}
	if !cfg.Enabled {
		return 0, nil
	}

	symbols, err := e.Universe.ListEnabledSymbols(ctx)
	if err != nil {
		return 0, err
	}
	if len(symbols) == 0 {
		return 0, nil
	}

	day := tradingday.ID(now)
	barsMap, err := e.Bars.FetchBars(ctx, symbols, cfg.RVOLLookbackMinutes, day)
	if err != nil {
		return 0, err
	}

	var hotlist []HotlistItem

	for _, sym := range symbols {
		bars := barsMap[sym]
		if len(bars) < 6 {
			continue
		}

		hod, err := e.Bars.GetHOD(ctx, sym, day)
		if err != nil {
			e.logf(sym, "get_hod_failed", err)
			continue
		}
		last := bars[len(bars)-1]
		if !hod.Present || hod.TS.Before(last.TS) {
			hod, err = e.Bars.RebuildHOD(ctx, sym, day, e.BarsKeep)
			if err != nil {
				e.logf(sym, "rebuild_hod_failed", err)
				continue
			}
		}

		m, ok := ComputeMetrics(sym, bars, hod, cfg)
		if !ok {
			continue
		}

		hotlist = append(hotlist, toHotlistItem(m))

		prior, err := e.Events.LatestEventForSymbol(ctx, sym)
		if err != nil {
			e.logf(sym, "latest_event_lookup_failed", err)
			continue
		}

		cooldown := CheckCooldown(prior, m.HOD, cfg, now)
		if !cooldown.Allowed {
			continue
		}

		decision := ShouldTrigger(m, cfg)
		if !decision.Triggered {
			continue
		}

		ev := store.TriggerEvent{
			ID:               uuid.NewString(),
			Symbol:           sym,
			TriggeredAt:      now,
			ReasonTags:       mergeTags(decision.Tags, m.ReasonTags),
			Open:             m.Last.O,
			High:             m.Last.H,
			Low:              m.Last.L,
			Close:            m.Last.C,
			Volume:           m.Last.V,
			LastPrice:        m.Last.C,
			Vol1m:            m.Vol1m,
			Vol5m:            m.Vol5m,
			AvgVol1mLookback: m.AvgVol1mLookback,
			RVOL1m:           m.RVOL1m,
			RVOL5m:           m.RVOL5m,
			PctChange1m:      m.PctChange1m,
			PctChange5m:      m.PctChange5m,
			HOD:              m.HOD,
			BrokeHOD:         m.BrokeHOD,
			Score:            m.Score,
			ConfigSnapshot:   cfg,
		}

		if err := e.Events.CreateEvent(ctx, ev); err != nil {
			e.logf(sym, "create_event_failed", err)
			continue
		}
		created++
		if e.Metrics != nil {
			e.Metrics.TriggersEmitted.WithLabelValues(sym).Inc()
		}

		if e.Publisher != nil {
			if err := e.Publisher.PublishTrigger(ctx, ev); err != nil {
				e.logf(sym, "publish_trigger_failed", err)
			}
		}
	}

	if e.Publisher != nil && len(hotlist) > 0 {
		sort.Slice(hotlist, func(i, j int) bool { return hotlist[i].Score > hotlist[j].Score })
		if len(hotlist) > 5 {
			hotlist = hotlist[:5]
		}
		if err := e.Publisher.PublishHotlist(ctx, hotlist); err != nil {
			e.Log.WithError(err).Warn("publish hotlist failed")
		}
	}

	return created, nil
}

func toHotlistItem(m Metrics) HotlistItem {
	var hodDistance float64
	if m.HOD > 0 {
		hodDistance = (m.HOD - m.Last.C) / m.HOD * 100.0
	}
	return HotlistItem{
		Symbol:         m.Symbol,
		Score:          m.Score,
		LastPrice:      m.Last.C,
		PctChange1m:    m.PctChange1m,
		PctChange5m:    m.PctChange5m,
		RVOL1m:         m.RVOL1m,
		RVOL5m:         m.RVOL5m,
		Vol1m:          m.Vol1m,
		Vol5m:          m.Vol5m,
		HOD:            m.HOD,
		HODDistancePct: hodDistance,
		BrokeHOD:       m.BrokeHOD,
		BarTS:          m.Last.TS.Unix(),
		ReasonTags:     m.ReasonTags,
	}
}

func (e *Engine) logf(symbol, reason string, err error) {
	if e.Log == nil {
		return
	}
	e.Log.WithError(err).WithField("symbol", symbol).Warn(reason)
}
