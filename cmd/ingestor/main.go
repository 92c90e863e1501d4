// Command ingestor runs the long-lived C3 market-data process: it
// reconciles the enabled symbol universe against a live vendor feed and
// writes every bar into the shared hot store. It is deployed separately
// from cmd/scannerd so the feed session and the detection/fan-out
// workload can scale and restart independently.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"ignition-scanner/internal/barstore"
	"ignition-scanner/internal/config"
	"ignition-scanner/internal/ingestor"
	applog "ignition-scanner/internal/log"
	"ignition-scanner/internal/metrics"
	"ignition-scanner/internal/store/postgres"
)

func redisOptsFromURL(rawURL string) *redis.Options {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return &redis.Options{Addr: rawURL}
	}
	return opts
}

func secondsToDuration(n int) time.Duration { return time.Duration(n) * time.Second }
func millisToDuration(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

func main() {
	cfg, err := config.Load(os.Getenv("SCANNER_CONFIG_FILE"))
	if err != nil {
		applog.New("info").Fatalf("loading config: %v", err)
	}
	if err := cfg.ValidateFeedCredentials(); err != nil {
		applog.New("info").Fatal(err)
	}

	logger := applog.New(cfg.LogLevel)
	log := applog.Component(logger, "ingestor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(redisOptsFromURL(cfg.Redis.URL))
	bars := barstore.New(rdb)

	universeStore, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connecting to durable store: %v", err)
	}
	defer universeStore.Close()

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	var feed ingestor.Feed
	switch cfg.Feed.Kind {
	case config.FeedIBKR:
		feed = ingestor.NewIBKRFeed(cfg.Feed.IBKRHost, cfg.Feed.IBKRPort, cfg.Feed.ClientID, cfg.Feed.UseRTH, log)
	default:
		feed = ingestor.NewAlpacaFeed(cfg.Feed.APIKey, cfg.Feed.APISecret, cfg.Feed.DataFeed, log)
	}

	ingCfg := ingestor.DefaultConfig()
	if cfg.Ingestor.BarsKeep > 0 {
		ingCfg.Keep = cfg.Ingestor.BarsKeep
	}
	if cfg.Ingestor.HeartbeatSeconds > 0 {
		ingCfg.HeartbeatInterval = secondsToDuration(cfg.Ingestor.HeartbeatSeconds)
	}
	if cfg.Ingestor.UniversePollSeconds > 0 {
		ingCfg.UniversePollInterval = secondsToDuration(cfg.Ingestor.UniversePollSeconds)
	}
	if cfg.Ingestor.IdleSleepSeconds > 0 {
		ingCfg.IdleSleep = secondsToDuration(cfg.Ingestor.IdleSleepSeconds)
	}
	if cfg.Ingestor.ReconnectDelayMs > 0 {
		ingCfg.ReconnectDelay = millisToDuration(cfg.Ingestor.ReconnectDelayMs)
	}

	ing := ingestor.New(universeStore, bars, feed, reg, log, ingCfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown signal received, stopping ingestor")
		cancel()
	}()

	log.WithField("feed", cfg.Feed.Kind).Info("ingestor starting")
	if err := ing.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("ingestor exited: %v", err)
	}
	log.Info("ingestor stopped cleanly")
}
