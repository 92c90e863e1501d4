// Package barstore is the Redis-backed, day-scoped hot store for 1-minute
// bars and high-of-day state. Key layout and push/fetch semantics are
// ported from the original Python scanner's barstore_redis module, widened
// to a day-scoped key per the external-interface contract (binary-stable,
// compatibility-critical): scanner:bars:{day}:{SYMBOL} and
// scanner:hod:{day}:{SYMBOL}.
package barstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ignition-scanner/internal/tradingday"
)

// ErrOutOfOrder is returned by PushBar when bar's ts is not strictly newer
// than the current head, enforcing the strictly-decreasing-from-head
// invariant on the stored list.
var ErrOutOfOrder = errors.New("barstore: bar ts not strictly newer than head")

// TTL is refreshed on every write so an inactive symbol's state self-expires.
const TTL = 36 * time.Hour

// HeartbeatKey is the well-known cache key the ingestor's monitoring task
// writes to at a fixed cadence.
const HeartbeatKey = "scanner:ingestor:heartbeat"

// HeartbeatTTL bounds how long a stale heartbeat is considered live.
const HeartbeatTTL = 60 * time.Second

// Bar is an immutable 1-minute OHLCV record.
type Bar struct {
	TS time.Time `json:"ts"`
	O  float64   `json:"o"`
	H  float64   `json:"h"`
	L  float64   `json:"l"`
	C  float64   `json:"c"`
	V  float64   `json:"v"`
}

// HODState is the per-(day,symbol) high-of-day record.
type HODState struct {
	HOD     float64   `json:"hod"`
	PrevHOD float64   `json:"prev_hod"`
	TS      time.Time `json:"ts"`
	Present bool      `json:"-"`
}

// Store is the Redis-backed bar/HOD hot store.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func barsKey(day, symbol string) string {
	return fmt.Sprintf("scanner:bars:%s:%s", day, strings.ToUpper(symbol))
}

func hodKey(day, symbol string) string {
	return fmt.Sprintf("scanner:hod:%s:%s", day, strings.ToUpper(symbol))
}

// PushBar resolves the trading day from bar.TS and atomically prepends it
// to the symbol's bounded bar list, truncating to keep and refreshing the
// TTL. A bar whose ts is not strictly newer than the current head is
// rejected with ErrOutOfOrder, keeping stored timestamps strictly
// decreasing from head and unique; this is the sole enforcement point for
// that invariant, callers need not pre-filter.
func (s *Store) PushBar(ctx context.Context, symbol string, bar Bar, keep int) error {
	day := tradingday.ID(bar.TS)
	key := barsKey(day, symbol)

	head, err := s.rdb.LIndex(ctx, key, 0).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("barstore: PushBar: read head: %w", err)
	}
	if err == nil {
		var existing Bar
		if jsonErr := json.Unmarshal([]byte(head), &existing); jsonErr == nil {
			if !bar.TS.After(existing.TS) {
				return ErrOutOfOrder
			}
		}
	}

	encoded, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("barstore: PushBar: marshal: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, encoded)
	pipe.LTrim(ctx, key, 0, int64(keep-1))
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("barstore: PushBar: pipeline: %w", err)
	}
	return nil
}

// FetchBars returns up to max(minutesWanted+6, 10) most recent bars per symbol for
// day, oldest-first, tolerating malformed entries by skipping them.
func (s *Store) FetchBars(ctx context.Context, symbols []string, minutesWanted int, day string) (map[string][]Bar, error) {
	want := minutesWanted + 6
	if want < 10 {
		want = 10
	}
	out := make(map[string][]Bar, len(symbols))
	for _, sym := range symbols {
		bars, err := s.fetchSymbolBars(ctx, sym, day, want)
		if err != nil {
			return nil, err
		}
		out[sym] = bars
	}
	return out, nil
}

// FetchAllBars returns every stored bar for (symbol, day), oldest-first,
// bounded by cap, for use by RebuildHOD.
func (s *Store) FetchAllBars(ctx context.Context, symbol, day string, capN int) ([]Bar, error) {
	return s.fetchSymbolBars(ctx, symbol, day, capN)
}

func (s *Store) fetchSymbolBars(ctx context.Context, symbol, day string, want int) ([]Bar, error) {
	raw, err := s.rdb.LRange(ctx, barsKey(day, symbol), 0, int64(want-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("barstore: fetch %s: %w", symbol, err)
	}
	bars := make([]Bar, 0, len(raw))
	for _, item := range raw {
		var b Bar
		if err := json.Unmarshal([]byte(item), &b); err != nil {
			continue // malformed entry, skip tolerantly
		}
		bars = append(bars, b)
	}
	// raw is newest-first (LPUSH semantics); reverse to oldest-first.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// GetHOD returns the stored HOD state for (symbol, day). Present is false
// if no record exists yet.
func (s *Store) GetHOD(ctx context.Context, symbol, day string) (HODState, error) {
	raw, err := s.rdb.Get(ctx, hodKey(day, symbol)).Result()
	if err == redis.Nil {
		return HODState{}, nil
	}
	if err != nil {
		return HODState{}, fmt.Errorf("barstore: GetHOD: %w", err)
	}
	var st HODState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return HODState{}, nil // treat malformed as absent
	}
	st.Present = true
	return st, nil
}

// UpdateHOD sets prev_hod = current hod (if any), hod = max(current, high),
// ts = barTS, and persists with TTL refreshed.
func (s *Store) UpdateHOD(ctx context.Context, symbol, day string, high float64, barTS time.Time) (HODState, error) {
	current, err := s.GetHOD(ctx, symbol, day)
	if err != nil {
		return HODState{}, err
	}
	next := HODState{TS: barTS, Present: true}
	if current.Present {
		next.PrevHOD = current.HOD
		next.HOD = current.HOD
	}
	if high > next.HOD {
		next.HOD = high
	}
	if err := s.putHOD(ctx, symbol, day, next); err != nil {
		return HODState{}, err
	}
	return next, nil
}

// RebuildHOD recomputes HOD state from the full day's stored bars. It is
// idempotent: calling it twice in a row with unchanged bars yields
// identical state.
func (s *Store) RebuildHOD(ctx context.Context, symbol, day string, capN int) (HODState, error) {
	bars, err := s.FetchAllBars(ctx, symbol, day, capN)
	if err != nil {
		return HODState{}, err
	}
	if len(bars) == 0 {
		return HODState{}, nil
	}
	hod := bars[0].H
	for _, b := range bars {
		if b.H > hod {
			hod = b.H
		}
	}
	var prevHOD float64
	if len(bars) >= 2 {
		prevHOD = bars[0].H
		for _, b := range bars[:len(bars)-1] {
			if b.H > prevHOD {
				prevHOD = b.H
			}
		}
	}
	st := HODState{HOD: hod, PrevHOD: prevHOD, TS: bars[len(bars)-1].TS, Present: true}
	if err := s.putHOD(ctx, symbol, day, st); err != nil {
		return HODState{}, err
	}
	return st, nil
}

func (s *Store) putHOD(ctx context.Context, symbol, day string, st HODState) error {
	encoded, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("barstore: putHOD: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, hodKey(day, symbol), encoded, TTL).Err(); err != nil {
		return fmt.Errorf("barstore: putHOD: %w", err)
	}
	return nil
}

// DeleteSymbol removes every bar and HOD key for symbol across all days,
// via a pattern scan, used when a symbol leaves the universe.
func (s *Store) DeleteSymbol(ctx context.Context, symbol string) error {
	patterns := []string{
		fmt.Sprintf("scanner:bars:*:%s", strings.ToUpper(symbol)),
		fmt.Sprintf("scanner:hod:*:%s", strings.ToUpper(symbol)),
	}
	for _, pattern := range patterns {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("barstore: DeleteSymbol: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("barstore: DeleteSymbol: del: %w", err)
			}
		}
	}
	return nil
}

// WriteHeartbeat records ingestor liveness with a short TTL.
func (s *Store) WriteHeartbeat(ctx context.Context, at time.Time) error {
	return s.rdb.Set(ctx, HeartbeatKey, at.UTC().Format(time.RFC3339), HeartbeatTTL).Err()
}

// ReadHeartbeat returns the raw heartbeat value, its parsed time, and its
// age; ok is false if the key is absent or unparsable.
func (s *Store) ReadHeartbeat(ctx context.Context) (raw string, at time.Time, age time.Duration, ok bool) {
	raw, err := s.rdb.Get(ctx, HeartbeatKey).Result()
	if err != nil {
		return "", time.Time{}, 0, false
	}
	at, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw, time.Time{}, 0, false
	}
	return raw, at, time.Since(at), true
}

// SetNX implements the idempotency-key semantics (cache.add) used by the
// push notifier: it returns true if the key was newly set (i.e. this is
// the first attempt).
func (s *Store) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("barstore: SetNX: %w", err)
	}
	return ok, nil
}
