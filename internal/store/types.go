// Package store defines the repository ports the scanner engine and
// fan-out depend on, plus the durable record types they exchange.
// Consumers depend only on these interfaces, never on a concrete backend,
// per the "ORM-coupled business logic -> repository interfaces" design
// note: the engine and fan-out are unit-testable against in-memory fakes.
package store

import "time"

// ScannerConfig is the durable, singleton tuning record for the engine.
type ScannerConfig struct {
	Enabled      bool    `json:"enabled"`
	Timeframe    string  `json:"timeframe"`
	MinVol1m     float64 `json:"min_vol_1m"`
	RVOL1mThresh float64 `json:"rvol_1m_thresh"`
	RVOL5mThresh float64 `json:"rvol_5m_thresh"`

	MinPctChange1m     float64 `json:"min_pct_change_1m"`
	MinPctChange5m     float64 `json:"min_pct_change_5m"`
	RequireGreenCandle bool    `json:"require_green_candle"`
	RequireHODBreak    bool    `json:"require_hod_break"`

	CooldownMinutes     int  `json:"cooldown_minutes"`
	RealertOnNewHOD     bool `json:"realert_on_new_hod"`
	RVOLLookbackMinutes int  `json:"rvol_lookback_minutes"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultScannerConfig mirrors the field defaults of the original
// ScannerConfig model (min_vol_1m=50000, rvol thresholds, etc).
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Enabled:             false,
		Timeframe:           "1m",
		MinVol1m:            50000,
		RVOL1mThresh:        4.0,
		RVOL5mThresh:        2.5,
		MinPctChange1m:      0.8,
		MinPctChange5m:      2.0,
		RequireGreenCandle:  false,
		RequireHODBreak:     false,
		CooldownMinutes:     15,
		RealertOnNewHOD:     true,
		RVOLLookbackMinutes: 180,
	}
}

// UniverseSymbol is one entry in the curated symbol universe.
type UniverseSymbol struct {
	Symbol  string `json:"symbol"`
	Enabled bool   `json:"enabled"`
}

// TriggerEvent is a durable, append-only record of an accepted ignition.
type TriggerEvent struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	TriggeredAt time.Time `json:"triggered_at"`
	ReasonTags  []string  `json:"reason_tags"`

	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`

	LastPrice float64 `json:"last_price"`

	Vol1m            float64 `json:"vol_1m"`
	Vol5m            float64 `json:"vol_5m"`
	AvgVol1mLookback float64 `json:"avg_vol_1m_lookback"`
	RVOL1m           float64 `json:"rvol_1m"`
	RVOL5m           float64 `json:"rvol_5m"`
	PctChange1m      float64 `json:"pct_change_1m"`
	PctChange5m      float64 `json:"pct_change_5m"`
	HOD              float64 `json:"hod"`
	BrokeHOD         bool    `json:"broke_hod"`
	Score            float64 `json:"score"`

	ConfigSnapshot ScannerConfig `json:"config_snapshot"`
}

// UserScannerSettings is the per-user preference and push-routing row.
// Owner-scoped: callers must only read/write the row for the
// authenticated user.
type UserScannerSettings struct {
	UserID          string     `json:"user_id"`
	FollowAlerts    bool       `json:"follow_alerts"`
	LiveFeedEnabled bool       `json:"live_feed_enabled"`
	ClearedUntil    *time.Time `json:"cleared_until,omitempty"`

	PushoverEnabled bool   `json:"pushover_enabled"`
	PushoverUserKey string `json:"pushover_user_key,omitempty"`
	Device          string `json:"device,omitempty"`
	Sound           string `json:"sound,omitempty"`
	Priority        int    `json:"priority,omitempty"`

	NotifyMinScore     *float64 `json:"notify_min_score,omitempty"`
	NotifyOnlyHODBreak bool     `json:"notify_only_hod_break"`
}
