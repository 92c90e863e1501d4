// Command scannerd runs the detection, fan-out, scheduling, and admin/
// REST surface (C4-C8): the minute-cadence ignition engine, the
// websocket hub, the push-notification worker, the retention scheduler,
// and the HTTP API. It reads bars the separate cmd/ingestor process
// writes into the shared hot store; the two are independently
// deployable and restartable.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/config"
	"ignition-scanner/internal/httpapi"
	applog "ignition-scanner/internal/log"
	"ignition-scanner/internal/metrics"
	"ignition-scanner/internal/pushover"
	"ignition-scanner/internal/scanner"
	"ignition-scanner/internal/scheduler"
	"ignition-scanner/internal/store/postgres"
	"ignition-scanner/internal/wsbus"
)

// pinger adapts a *redis.Client's Ping to the error-only Pinger port the
// HTTP health probe's cache check depends on.
type pinger struct{ rdb *redis.Client }

func (p pinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// heartbeatAdapter narrows barstore.Store's four-return ReadHeartbeat to
// the three-return shape the admin health probe expects.
type heartbeatAdapter struct{ bars *barstore.Store }

func (h heartbeatAdapter) ReadHeartbeat(ctx context.Context) (time.Time, bool, error) {
	_, at, _, ok := h.bars.ReadHeartbeat(ctx)
	return at, ok, nil
}

func main() {
	cfg, err := config.Load(os.Getenv("SCANNER_CONFIG_FILE"))
	if err != nil {
		applog.New("info").Fatalf("loading config: %v", err)
	}

	logger := applog.New(cfg.LogLevel)
	log := applog.Component(logger, "scannerd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(redisOptsFromURL(cfg.Redis.URL))
	bars := barstore.New(rdb)

	durable, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connecting to durable store: %v", err)
	}
	defer durable.Close()

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	hub := wsbus.NewHub(durable, applog.Component(logger, "wsbus"))
	if err := hub.ConnectPushQueue(cfg.AMQP.URL); err != nil {
		log.WithError(err).Warn("push queue unavailable, trigger fan-out will not dispatch notifications")
	}
	go hub.Run()
	defer hub.Close()

	engine := scanner.NewEngine(durable, durable, durable, bars, hub, reg, applog.Component(logger, "scanner"))

	notifier := pushover.New(durable, durable, bars, reg, cfg.Push.AppToken, cfg.Push.BaseURL, applog.Component(logger, "pushover"))
	worker, err := pushover.NewWorker(cfg.AMQP.URL, notifier, applog.Component(logger, "pushover-worker"))
	if err != nil {
		log.WithError(err).Warn("push worker unavailable, notifications will not be delivered")
	} else {
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("push worker stopped unexpectedly")
			}
		}()
		defer worker.Close()
	}

	sched := scheduler.New(
		tickEngine{engine},
		durable,
		bars,
		applog.Component(logger, "scheduler"),
		scheduler.DefaultConfig(),
	)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("starting scheduler: %v", err)
	}
	defer sched.Stop()

	httpSrv := httpapi.New(httpapi.Config{
		ConfigStore: durable,
		Universe:    durable,
		Events:      durable,
		Preferences: durable,
		Hub:         hub,
		Cache:       pinger{rdb},
		Durable:     durable,
		Heartbeat:   heartbeatAdapter{bars},
		AdminEmail:  cfg.Admin.Email,
		Addr:        cfg.HTTP.Addr,
		RedisURL:    cfg.Redis.URL,
		DSN:         cfg.Database.DSN,
	}, applog.Component(logger, "httpapi"))

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("http server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown did not complete cleanly")
	}
	log.Info("scannerd stopped")
}

// tickEngine adapts scanner.Engine.Tick to the scheduler.Engine port.
type tickEngine struct{ e *scanner.Engine }

func (t tickEngine) Tick(ctx context.Context) (int, error) { return t.e.Tick(ctx) }

func redisOptsFromURL(rawURL string) *redis.Options {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return &redis.Options{Addr: rawURL}
	}
	return opts
}
