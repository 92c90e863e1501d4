// Package ingestor is the C3 long-lived feed ingestor: a state machine
// that reconciles the enabled symbol universe against a live vendor
// websocket feed and writes each bar into the hot store. Grounded on
// original_source's scanner_ingest_ws.py (desired-vs-current symbol
// diffing, heartbeat/universe-poll cadences sampled from inside the bar
// callback, the UniverseChanged reconnect trigger, and the outer
// reconnect-delay loop).
package ingestor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/metrics"
	"ignition-scanner/internal/store"
)

// State is the ingestor's coarse lifecycle state, reported by
// CurrentState.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateSubscribed
	StateMonitoring
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateMonitoring:
		return "monitoring"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// errUniverseChanged signals a clean restart of the stream with an
// updated symbol list; it is not logged as a failure.
var errUniverseChanged = errors.New("ingestor: universe changed")

// VendorBar is one bar as delivered by the vendor feed, before it is
// normalized into barstore.Bar.
type VendorBar struct {
	Symbol string
	TS     time.Time
	O, H, L, C, V float64
}

// Feed abstracts the vendor websocket client. Run subscribes to symbols
// and blocks, invoking onBar for every bar received, until ctx is
// cancelled or the stream ends. Implementations must return promptly
// once ctx is done.
type Feed interface {
	Run(ctx context.Context, symbols []string, onBar func(VendorBar)) error
}

// BarWriter is the narrow port onto the hot store the ingestor writes
// through; satisfied by *barstore.Store, narrowed here so Ingestor is
// unit-testable without a live Redis instance.
type BarWriter interface {
	PushBar(ctx context.Context, symbol string, bar barstore.Bar, keep int) error
	DeleteSymbol(ctx context.Context, symbol string) error
	WriteHeartbeat(ctx context.Context, at time.Time) error
}

// Config tunes the reconnect/poll/heartbeat cadences, mirroring the
// original command's --keep/--reconnect-delay/--universe-poll-seconds/
// --idle-sleep-seconds/--heartbeat-seconds flags.
type Config struct {
	Keep                 int
	ReconnectDelay       time.Duration
	UniversePollInterval time.Duration
	IdleSleep            time.Duration
	HeartbeatInterval    time.Duration
}

// DefaultConfig mirrors the original command's flag defaults.
func DefaultConfig() Config {
	return Config{
		Keep:                 180,
		ReconnectDelay:       3 * time.Second,
		UniversePollInterval: 10 * time.Second,
		IdleSleep:            5 * time.Second,
		HeartbeatInterval:    60 * time.Second,
	}
}

// Ingestor runs the reconcile-subscribe-ingest loop until its context is
// cancelled.
type Ingestor struct {
	Universe store.UniverseStore
	Bars     BarWriter
	Feed     Feed
	Metrics  *metrics.Registry
	Log      *logrus.Entry
	Cfg      Config

	breaker *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	state State
	last  time.Time

	writer *writerPool
}

// New constructs an Ingestor with a circuit breaker wrapping the connect
// step: after 5 consecutive stream failures it opens for 30s, shedding
// reconnect attempts instead of hammering the vendor during an outage.
func New(universe store.UniverseStore, bars BarWriter, feed Feed, reg *metrics.Registry, log *logrus.Entry, cfg Config) *Ingestor {
	ing := &Ingestor{
		Universe: universe,
		Bars:     bars,
		Feed:     feed,
		Metrics:  reg,
		Log:      log,
		Cfg:      cfg,
		state:    StateInit,
	}
	ing.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ingestor-feed-connect",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	keep := cfg.Keep
	if keep <= 0 {
		keep = DefaultConfig().Keep
	}
	ing.writer = newWriterPool(bars, reg, log, 4, 1000, keep)
	return ing
}

// CurrentState reports the ingestor's lifecycle state for health probes.
func (ing *Ingestor) CurrentState() State {
	ing.mu.RLock()
	defer ing.mu.RUnlock()
	return ing.state
}

// LastBarAt reports the timestamp of the most recently ingested bar, or
// the zero time if none has arrived yet.
func (ing *Ingestor) LastBarAt() time.Time {
	ing.mu.RLock()
	defer ing.mu.RUnlock()
	return ing.last
}

func (ing *Ingestor) setState(s State) {
	ing.mu.Lock()
	ing.state = s
	ing.mu.Unlock()
}

// Run executes the reconcile/connect/ingest loop until ctx is cancelled.
func (ing *Ingestor) Run(ctx context.Context) error {
	ing.writer.start(ctx)
	defer ing.writer.stop()

	current := map[string]bool{}

	for {
		if ctx.Err() != nil {
			return nil
		}

		desired, err := ing.Universe.ListEnabledSymbols(ctx)
		if err != nil {
			ing.Log.WithError(err).Warn("failed to list enabled symbols")
			if !sleepCtx(ctx, ing.Cfg.IdleSleep) {
				return nil
			}
			continue
		}
		desiredSet := toSet(desired)

		if len(desiredSet) == 0 {
			if len(current) > 0 {
				ing.Log.Info("universe became empty, clearing hot store")
				for sym := range current {
					if err := ing.Bars.DeleteSymbol(ctx, sym); err != nil {
						ing.Log.WithError(err).WithField("symbol", sym).Warn("failed to clear symbol")
					}
				}
				current = map[string]bool{}
			}
			ing.setState(StateInit)
			if !sleepCtx(ctx, ing.Cfg.IdleSleep) {
				return nil
			}
			continue
		}

		if !setsEqual(desiredSet, current) {
			for sym := range current {
				if !desiredSet[sym] {
					if err := ing.Bars.DeleteSymbol(ctx, sym); err != nil {
						ing.Log.WithError(err).WithField("symbol", sym).Warn("failed to clear removed symbol")
					}
				}
			}
			current = desiredSet
			symbols := fromSet(current)

			ing.Log.WithField("symbols", len(symbols)).Info("(re)connecting feed with updated universe")
			ing.setState(StateConnecting)

			err := ing.connectAndRun(ctx, symbols, current)
			switch {
			case errors.Is(err, errUniverseChanged):
				ing.Log.Info("universe changed mid-stream, reconnecting")
				if !sleepCtx(ctx, 500*time.Millisecond) {
					return nil
				}
			case err != nil:
				if ing.Metrics != nil {
					ing.Metrics.IngestorReconnects.Inc()
				}
				ing.Log.WithError(err).WithField("retry_in", ing.Cfg.ReconnectDelay).Warn("feed stream ended, reconnecting")
				ing.setState(StateReconnecting)
				if !sleepCtx(ctx, ing.Cfg.ReconnectDelay) {
					return nil
				}
			}
		} else {
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
		}
	}
}

// connectAndRun runs one vendor stream session through the circuit
// breaker, sampling heartbeat and universe-poll cadences from inside the
// bar callback exactly as the original command does.
func (ing *Ingestor) connectAndRun(ctx context.Context, symbols []string, current map[string]bool) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastUniversePoll, lastHeartbeat time.Time
	var subscribedOnce bool

	onBar := func(vb VendorBar) {
		now := time.Now()

		if !subscribedOnce {
			subscribedOnce = true
			ing.setState(StateSubscribed)
		} else {
			ing.setState(StateMonitoring)
		}

		if ing.Cfg.HeartbeatInterval > 0 && now.Sub(lastHeartbeat) >= ing.Cfg.HeartbeatInterval {
			lastHeartbeat = now
			if err := ing.Bars.WriteHeartbeat(ctx, now); err != nil {
				ing.Log.WithError(err).Warn("failed to write heartbeat")
			}
		}

		if ing.Cfg.UniversePollInterval > 0 && now.Sub(lastUniversePoll) >= ing.Cfg.UniversePollInterval {
			lastUniversePoll = now
			latest, err := ing.Universe.ListEnabledSymbols(ctx)
			if err == nil && !setsEqual(toSet(latest), current) {
				cancel()
				return
			}
		}

		sym := strings.ToUpper(strings.TrimSpace(vb.Symbol))
		if sym == "" || !current[sym] {
			return
		}

		ing.mu.Lock()
		ing.last = vb.TS
		ing.mu.Unlock()

		ing.writer.enqueue(barJob{symbol: sym, bar: barstore.Bar{
			TS: vb.TS, O: vb.O, H: vb.H, L: vb.L, C: vb.C, V: vb.V,
		}})
	}

	_, err := ing.breaker.Execute(func() (any, error) {
		return nil, ing.Feed.Run(streamCtx, symbols, onBar)
	})

	if streamCtx.Err() != nil && ctx.Err() == nil {
		// The stream was cancelled locally (universe changed), not by the
		// caller's context; report that distinctly from a genuine feed error.
		return errUniverseChanged
	}
	return err
}

func toSet(symbols []string) map[string]bool {
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return out
}

func fromSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// sleepCtx sleeps for d or until ctx is done, returning false if ctx
// ended the wait.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
