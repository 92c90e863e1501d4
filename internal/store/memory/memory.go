// Package memory provides in-process fakes for the store ports, used by
// unit tests so the engine and fan-out are exercised without a live
// Postgres instance. Grounded on the teacher's internal/state.StateManager
// guarded-map-with-defensive-copy idiom.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ignition-scanner/internal/store"
)

// Store is an in-memory implementation of every repository port.
type Store struct {
	mu sync.RWMutex

	cfg store.ScannerConfig

	universe map[string]store.UniverseSymbol

	events       []store.TriggerEvent
	latestBySym  map[string]int // index into events, most recent per symbol

	settings map[string]store.UserScannerSettings
}

// New constructs an empty in-memory Store seeded with the default config.
func New() *Store {
	return &Store{
		cfg:         store.DefaultScannerConfig(),
		universe:    make(map[string]store.UniverseSymbol),
		latestBySym: make(map[string]int),
		settings:    make(map[string]store.UserScannerSettings),
	}
}

// --- ConfigStore ---

func (s *Store) GetConfig(ctx context.Context) (store.ScannerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, nil
}

func (s *Store) UpdateConfig(ctx context.Context, cfg store.ScannerConfig) (store.ScannerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	s.cfg = cfg
	return s.cfg, nil
}

// --- UniverseStore ---

func (s *Store) ListUniverse(ctx context.Context) ([]store.UniverseSymbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.UniverseSymbol, 0, len(s.universe))
	for _, u := range s.universe {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) ListEnabledSymbols(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, u := range s.universe {
		if u.Enabled {
			out = append(out, u.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UpsertSymbol(ctx context.Context, sym store.UniverseSymbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.universe[sym.Symbol] = sym
	return nil
}

func (s *Store) DeleteSymbol(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.universe, symbol)
	return nil
}

// --- EventStore ---

func (s *Store) CreateEvent(ctx context.Context, ev store.TriggerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	s.latestBySym[ev.Symbol] = len(s.events) - 1
	return nil
}

func (s *Store) LatestEventForSymbol(ctx context.Context, symbol string) (*store.TriggerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.latestBySym[symbol]
	if !ok {
		return nil, nil
	}
	ev := s.events[idx]
	return &ev, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*store.TriggerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.ID == id {
			out := ev
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListEventsForUser(ctx context.Context, clearedUntil *time.Time, symbol string, limit int) ([]store.TriggerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.TriggerEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if symbol != "" && ev.Symbol != symbol {
			continue
		}
		if clearedUntil != nil && !ev.TriggeredAt.After(*clearedUntil) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []store.TriggerEvent
	var removed int64
	for _, ev := range s.events {
		if ev.TriggeredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	s.latestBySym = make(map[string]int)
	for i, ev := range s.events {
		s.latestBySym[ev.Symbol] = i
	}
	return removed, nil
}

// --- PreferenceStore ---

func (s *Store) GetSettings(ctx context.Context, userID string) (store.UserScannerSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.settings[userID]; ok {
		return st, nil
	}
	return store.UserScannerSettings{UserID: userID, FollowAlerts: true, LiveFeedEnabled: true}, nil
}

func (s *Store) UpdateSettings(ctx context.Context, st store.UserScannerSettings) (store.UserScannerSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.UserID] = st
	return st, nil
}

func (s *Store) ListFollowers(ctx context.Context) ([]store.UserScannerSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.UserScannerSettings
	for _, st := range s.settings {
		if st.FollowAlerts {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) ListLiveFeedSubscribers(ctx context.Context) ([]store.UserScannerSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.UserScannerSettings
	for _, st := range s.settings {
		if st.LiveFeedEnabled {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) SetClearedUntil(ctx context.Context, userID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settings[userID]
	st.UserID = userID
	t := ts
	st.ClearedUntil = &t
	s.settings[userID] = st
	return nil
}

var (
	_ store.ConfigStore     = (*Store)(nil)
	_ store.UniverseStore   = (*Store)(nil)
	_ store.EventStore      = (*Store)(nil)
	_ store.PreferenceStore = (*Store)(nil)
)
