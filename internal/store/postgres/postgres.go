// Package postgres implements the scanner's repository ports on top of a
// pgx connection pool. Grounded on the teacher's internal/db.Logger: a
// pooled connection, an ensureSchema bootstrap, and parameterized
// query/scan helpers.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ignition-scanner/internal/store"
)

// Store wraps a pgxpool.Pool and implements every repository port.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a connection pool against dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: pgxpool.New: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping exercises the pool for the admin health probe.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.pool.Ping(pingCtx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`create table if not exists scanner_config (
			id smallint primary key default 1,
			enabled boolean not null default false,
			timeframe text not null default '1m',
			min_vol_1m numeric not null default 50000,
			rvol_1m_threshold numeric not null default 4.0,
			rvol_5m_threshold numeric not null default 2.5,
			min_pct_change_1m numeric not null default 0.8,
			min_pct_change_5m numeric not null default 2.0,
			require_green_candle boolean not null default false,
			require_hod_break boolean not null default false,
			cooldown_minutes int not null default 15,
			realert_on_new_hod boolean not null default true,
			rvol_lookback_minutes int not null default 180,
			updated_at timestamptz not null default now(),
			check (id = 1)
		)`,
		`create table if not exists scanner_universe (
			symbol text primary key,
			enabled boolean not null default true
		)`,
		`create table if not exists scanner_trigger_events (
			id text primary key,
			symbol text not null,
			triggered_at timestamptz not null,
			reason_tags jsonb not null default '[]'::jsonb,
			o numeric, h numeric, l numeric, c numeric, v numeric,
			last_price numeric,
			vol_1m numeric, vol_5m numeric, avg_vol_1m_lookback numeric,
			rvol_1m numeric, rvol_5m numeric,
			pct_change_1m numeric, pct_change_5m numeric,
			hod numeric, broke_hod boolean,
			score numeric,
			config_snapshot jsonb not null default '{}'::jsonb
		)`,
		`create index if not exists idx_trigger_events_symbol_ts on scanner_trigger_events(symbol, triggered_at desc)`,
		`create index if not exists idx_trigger_events_ts on scanner_trigger_events(triggered_at desc)`,
		`create table if not exists user_scanner_settings (
			user_id text primary key,
			follow_alerts boolean not null default true,
			live_feed_enabled boolean not null default true,
			cleared_until timestamptz,
			pushover_enabled boolean not null default false,
			pushover_user_key text not null default '',
			device text not null default '',
			sound text not null default '',
			priority int not null default 0,
			notify_min_score numeric,
			notify_only_hod_break boolean not null default false
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensureSchema: %w", err)
		}
	}
	return nil
}

// --- ConfigStore ---

func (s *Store) GetConfig(ctx context.Context) (store.ScannerConfig, error) {
	row := s.pool.QueryRow(ctx, `
		insert into scanner_config (id) values (1)
		on conflict (id) do update set id = excluded.id
		returning enabled, timeframe, min_vol_1m, rvol_1m_threshold, rvol_5m_threshold,
			min_pct_change_1m, min_pct_change_5m, require_green_candle, require_hod_break,
			cooldown_minutes, realert_on_new_hod, rvol_lookback_minutes, updated_at`)
	var cfg store.ScannerConfig
	err := row.Scan(&cfg.Enabled, &cfg.Timeframe, &cfg.MinVol1m, &cfg.RVOL1mThresh, &cfg.RVOL5mThresh,
		&cfg.MinPctChange1m, &cfg.MinPctChange5m, &cfg.RequireGreenCandle, &cfg.RequireHODBreak,
		&cfg.CooldownMinutes, &cfg.RealertOnNewHOD, &cfg.RVOLLookbackMinutes, &cfg.UpdatedAt)
	if err != nil {
		return store.ScannerConfig{}, fmt.Errorf("postgres: GetConfig: %w", err)
	}
	return cfg, nil
}

func (s *Store) UpdateConfig(ctx context.Context, cfg store.ScannerConfig) (store.ScannerConfig, error) {
	_, err := s.pool.Exec(ctx, `
		insert into scanner_config (id, enabled, timeframe, min_vol_1m, rvol_1m_threshold, rvol_5m_threshold,
			min_pct_change_1m, min_pct_change_5m, require_green_candle, require_hod_break,
			cooldown_minutes, realert_on_new_hod, rvol_lookback_minutes, updated_at)
		values (1, $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		on conflict (id) do update set
			enabled=$1, timeframe=$2, min_vol_1m=$3, rvol_1m_threshold=$4, rvol_5m_threshold=$5,
			min_pct_change_1m=$6, min_pct_change_5m=$7, require_green_candle=$8, require_hod_break=$9,
			cooldown_minutes=$10, realert_on_new_hod=$11, rvol_lookback_minutes=$12, updated_at=now()`,
		cfg.Enabled, cfg.Timeframe, cfg.MinVol1m, cfg.RVOL1mThresh, cfg.RVOL5mThresh,
		cfg.MinPctChange1m, cfg.MinPctChange5m, cfg.RequireGreenCandle, cfg.RequireHODBreak,
		cfg.CooldownMinutes, cfg.RealertOnNewHOD, cfg.RVOLLookbackMinutes)
	if err != nil {
		return store.ScannerConfig{}, fmt.Errorf("postgres: UpdateConfig: %w", err)
	}
	return s.GetConfig(ctx)
}

// --- UniverseStore ---

func (s *Store) ListUniverse(ctx context.Context) ([]store.UniverseSymbol, error) {
	rows, err := s.pool.Query(ctx, `select symbol, enabled from scanner_universe order by symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListUniverse: %w", err)
	}
	defer rows.Close()
	var out []store.UniverseSymbol
	for rows.Next() {
		var u store.UniverseSymbol
		if err := rows.Scan(&u.Symbol, &u.Enabled); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) ListEnabledSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `select symbol from scanner_universe where enabled order by symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListEnabledSymbols: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSymbol(ctx context.Context, u store.UniverseSymbol) error {
	_, err := s.pool.Exec(ctx, `
		insert into scanner_universe(symbol, enabled) values($1,$2)
		on conflict (symbol) do update set enabled=$2`, u.Symbol, u.Enabled)
	if err != nil {
		return fmt.Errorf("postgres: UpsertSymbol: %w", err)
	}
	return nil
}

func (s *Store) DeleteSymbol(ctx context.Context, symbol string) error {
	_, err := s.pool.Exec(ctx, `delete from scanner_universe where symbol=$1`, symbol)
	if err != nil {
		return fmt.Errorf("postgres: DeleteSymbol: %w", err)
	}
	return nil
}

// --- EventStore ---

func (s *Store) CreateEvent(ctx context.Context, ev store.TriggerEvent) error {
	tags, err := json.Marshal(ev.ReasonTags)
	if err != nil {
		return fmt.Errorf("postgres: marshal reason_tags: %w", err)
	}
	snap, err := json.Marshal(ev.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("postgres: marshal config_snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		insert into scanner_trigger_events(
			id, symbol, triggered_at, reason_tags, o, h, l, c, v, last_price,
			vol_1m, vol_5m, avg_vol_1m_lookback, rvol_1m, rvol_5m,
			pct_change_1m, pct_change_5m, hod, broke_hod, score, config_snapshot
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		ev.ID, ev.Symbol, ev.TriggeredAt, tags, ev.Open, ev.High, ev.Low, ev.Close, ev.Volume, ev.LastPrice,
		ev.Vol1m, ev.Vol5m, ev.AvgVol1mLookback, ev.RVOL1m, ev.RVOL5m,
		ev.PctChange1m, ev.PctChange5m, ev.HOD, ev.BrokeHOD, ev.Score, snap)
	if err != nil {
		return fmt.Errorf("postgres: CreateEvent: %w", err)
	}
	return nil
}

func scanEvent(row interface {
	Scan(dest ...any) error
}) (store.TriggerEvent, error) {
	var ev store.TriggerEvent
	var tags, snap []byte
	err := row.Scan(&ev.ID, &ev.Symbol, &ev.TriggeredAt, &tags, &ev.Open, &ev.High, &ev.Low, &ev.Close, &ev.Volume, &ev.LastPrice,
		&ev.Vol1m, &ev.Vol5m, &ev.AvgVol1mLookback, &ev.RVOL1m, &ev.RVOL5m,
		&ev.PctChange1m, &ev.PctChange5m, &ev.HOD, &ev.BrokeHOD, &ev.Score, &snap)
	if err != nil {
		return store.TriggerEvent{}, err
	}
	_ = json.Unmarshal(tags, &ev.ReasonTags)
	_ = json.Unmarshal(snap, &ev.ConfigSnapshot)
	return ev, nil
}

const eventColumns = `id, symbol, triggered_at, reason_tags, o, h, l, c, v, last_price,
	vol_1m, vol_5m, avg_vol_1m_lookback, rvol_1m, rvol_5m,
	pct_change_1m, pct_change_5m, hod, broke_hod, score, config_snapshot`

func (s *Store) LatestEventForSymbol(ctx context.Context, symbol string) (*store.TriggerEvent, error) {
	row := s.pool.QueryRow(ctx, `select `+eventColumns+` from scanner_trigger_events
		where symbol=$1 order by triggered_at desc limit 1`, symbol)
	ev, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: LatestEventForSymbol: %w", err)
	}
	return &ev, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*store.TriggerEvent, error) {
	row := s.pool.QueryRow(ctx, `select `+eventColumns+` from scanner_trigger_events where id=$1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: GetEvent: %w", err)
	}
	return &ev, nil
}

func (s *Store) ListEventsForUser(ctx context.Context, clearedUntil *time.Time, symbol string, limit int) ([]store.TriggerEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `select `+eventColumns+` from scanner_trigger_events
		where ($1::timestamptz is null or triggered_at > $1)
		and ($2='' or symbol=$2)
		order by triggered_at desc limit $3`, nullableTime(clearedUntil), symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListEventsForUser: %w", err)
	}
	defer rows.Close()
	var out []store.TriggerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `delete from scanner_trigger_events where triggered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: PruneOlderThan: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- PreferenceStore ---

const settingsColumns = `user_id, follow_alerts, live_feed_enabled, cleared_until,
	pushover_enabled, pushover_user_key, device, sound, priority,
	notify_min_score, notify_only_hod_break`

func scanSettings(row interface {
	Scan(dest ...any) error
}) (store.UserScannerSettings, error) {
	var s store.UserScannerSettings
	err := row.Scan(&s.UserID, &s.FollowAlerts, &s.LiveFeedEnabled, &s.ClearedUntil,
		&s.PushoverEnabled, &s.PushoverUserKey, &s.Device, &s.Sound, &s.Priority,
		&s.NotifyMinScore, &s.NotifyOnlyHODBreak)
	return s, err
}

func (s *Store) GetSettings(ctx context.Context, userID string) (store.UserScannerSettings, error) {
	row := s.pool.QueryRow(ctx, `
		insert into user_scanner_settings(user_id) values($1)
		on conflict (user_id) do update set user_id=excluded.user_id
		returning `+settingsColumns, userID)
	st, err := scanSettings(row)
	if err != nil {
		return store.UserScannerSettings{}, fmt.Errorf("postgres: GetSettings: %w", err)
	}
	return st, nil
}

func (s *Store) UpdateSettings(ctx context.Context, st store.UserScannerSettings) (store.UserScannerSettings, error) {
	_, err := s.pool.Exec(ctx, `
		insert into user_scanner_settings(user_id, follow_alerts, live_feed_enabled, cleared_until,
			pushover_enabled, pushover_user_key, device, sound, priority, notify_min_score, notify_only_hod_break)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		on conflict (user_id) do update set
			follow_alerts=$2, live_feed_enabled=$3, cleared_until=$4,
			pushover_enabled=$5, pushover_user_key=$6, device=$7, sound=$8, priority=$9,
			notify_min_score=$10, notify_only_hod_break=$11`,
		st.UserID, st.FollowAlerts, st.LiveFeedEnabled, st.ClearedUntil,
		st.PushoverEnabled, st.PushoverUserKey, st.Device, st.Sound, st.Priority,
		st.NotifyMinScore, st.NotifyOnlyHODBreak)
	if err != nil {
		return store.UserScannerSettings{}, fmt.Errorf("postgres: UpdateSettings: %w", err)
	}
	return s.GetSettings(ctx, st.UserID)
}

func (s *Store) ListFollowers(ctx context.Context) ([]store.UserScannerSettings, error) {
	rows, err := s.pool.Query(ctx, `select `+settingsColumns+` from user_scanner_settings where follow_alerts`)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListFollowers: %w", err)
	}
	defer rows.Close()
	var out []store.UserScannerSettings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListLiveFeedSubscribers(ctx context.Context) ([]store.UserScannerSettings, error) {
	rows, err := s.pool.Query(ctx, `select `+settingsColumns+` from user_scanner_settings where live_feed_enabled`)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListLiveFeedSubscribers: %w", err)
	}
	defer rows.Close()
	var out []store.UserScannerSettings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SetClearedUntil(ctx context.Context, userID string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		insert into user_scanner_settings(user_id, cleared_until) values($1,$2)
		on conflict (user_id) do update set cleared_until=$2`, userID, ts)
	if err != nil {
		return fmt.Errorf("postgres: SetClearedUntil: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var (
	_ store.ConfigStore     = (*Store)(nil)
	_ store.UniverseStore   = (*Store)(nil)
	_ store.EventStore      = (*Store)(nil)
	_ store.PreferenceStore = (*Store)(nil)
)
