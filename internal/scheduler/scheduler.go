// Package scheduler wires the two periodic jobs the original ran via
// Celery beat: the 60s engine tick (beat_setup.py's
// "scanner-tick-every-minute") and the daily trigger-event retention
// prune (tasks.py's scanner_prune_trigger_events). Both are distributed
// behind a short-lived Redis lock so a multi-process deployment runs
// each tick at most once.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Locker is the narrow port onto the distributed per-tick lock; satisfied
// by *barstore.Store's SetNX.
type Locker interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Engine is the narrow port onto the scanner engine's tick operation.
type Engine interface {
	Tick(ctx context.Context) (int, error)
}

// Pruner is the narrow port onto the event-retention prune operation.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the retention window and lock TTLs.
type Config struct {
	RetentionDays int
	TickLockTTL   time.Duration
	PruneLockTTL  time.Duration
}

// DefaultConfig mirrors tasks.py's 30-day default retention window.
func DefaultConfig() Config {
	return Config{
		RetentionDays: 30,
		TickLockTTL:   45 * time.Second,
		PruneLockTTL:  10 * time.Minute,
	}
}

const (
	tickLockKey  = "scanner:lock:tick"
	pruneLockKey = "scanner:lock:prune"
)

// Scheduler owns the cron runtime and its two jobs.
type Scheduler struct {
	cron   *cron.Cron
	engine Engine
	pruner Pruner
	lock   Locker
	log    *logrus.Entry
	cfg    Config
}

// New constructs a Scheduler. Call Start to begin running jobs.
func New(engine Engine, pruner Pruner, lock Locker, log *logrus.Entry, cfg Config) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		engine: engine,
		pruner: pruner,
		lock:   lock,
		log:    log,
		cfg:    cfg,
	}
}

// Start registers the tick and prune jobs and begins running them in the
// background. Returns an error if either schedule fails to parse.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1m", func() { s.runTick(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 0 7 * * *", func() { s.runPrune(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runtime, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// runTick acquires the distributed tick lock and, if won, runs one
// engine pass. Losing the lock (another node already ticked this
// minute) is normal and silent.
func (s *Scheduler) runTick(ctx context.Context) {
	won, err := s.lock.SetNX(ctx, tickLockKey, s.cfg.TickLockTTL)
	if err != nil {
		s.log.WithError(err).Warn("tick lock acquisition failed")
		return
	}
	if !won {
		return
	}

	created, err := s.engine.Tick(ctx)
	if err != nil {
		s.log.WithError(err).Warn("engine tick failed")
		return
	}
	if created > 0 {
		s.log.WithField("created", created).Info("engine tick produced trigger events")
	}
}

// runPrune acquires the distributed prune lock and, if won, deletes
// trigger events older than the retention window.
func (s *Scheduler) runPrune(ctx context.Context) {
	won, err := s.lock.SetNX(ctx, pruneLockKey, s.cfg.PruneLockTTL)
	if err != nil {
		s.log.WithError(err).Warn("prune lock acquisition failed")
		return
	}
	if !won {
		return
	}

	days := s.cfg.RetentionDays
	if days < 1 {
		days = 1
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	deleted, err := s.pruner.PruneOlderThan(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("trigger-event prune failed")
		return
	}
	s.log.WithFields(logrus.Fields{"retention_days": days, "deleted": deleted}).Info("pruned old trigger events")
}
