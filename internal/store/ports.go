package store

import (
	"context"
	"time"
)

// ConfigStore is the narrow port onto the singleton scanner configuration.
type ConfigStore interface {
	GetConfig(ctx context.Context) (ScannerConfig, error)
	UpdateConfig(ctx context.Context, cfg ScannerConfig) (ScannerConfig, error)
}

// UniverseStore is the narrow port onto the curated symbol universe.
type UniverseStore interface {
	ListUniverse(ctx context.Context) ([]UniverseSymbol, error)
	ListEnabledSymbols(ctx context.Context) ([]string, error)
	UpsertSymbol(ctx context.Context, s UniverseSymbol) error
	DeleteSymbol(ctx context.Context, symbol string) error
}

// EventStore is the narrow port onto the append-only trigger-event log.
type EventStore interface {
	CreateEvent(ctx context.Context, ev TriggerEvent) error
	LatestEventForSymbol(ctx context.Context, symbol string) (*TriggerEvent, error)
	GetEvent(ctx context.Context, id string) (*TriggerEvent, error)
	ListEventsForUser(ctx context.Context, clearedUntil *time.Time, symbol string, limit int) ([]TriggerEvent, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PreferenceStore is the narrow port onto per-user scanner settings.
type PreferenceStore interface {
	GetSettings(ctx context.Context, userID string) (UserScannerSettings, error)
	UpdateSettings(ctx context.Context, s UserScannerSettings) (UserScannerSettings, error)
	ListFollowers(ctx context.Context) ([]UserScannerSettings, error)
	ListLiveFeedSubscribers(ctx context.Context) ([]UserScannerSettings, error)
	SetClearedUntil(ctx context.Context, userID string, ts time.Time) error
}
