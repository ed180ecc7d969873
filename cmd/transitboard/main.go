package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/transitboard-data/internal/archive"
	"github.com/transitboard-data/internal/common/config"
	"github.com/transitboard-data/internal/common/db"
	"github.com/transitboard-data/internal/common/discord"
	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/common/maintenance"
	"github.com/transitboard-data/internal/feed"
	"github.com/transitboard-data/internal/feed/connectivity"
	"github.com/transitboard-data/internal/server"
)

const version = "1.0.0"

func main() {
	// A .env file is optional; the environment and FEED_CONFIG_FILE also work
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	alerts := discord.NewClient(cfg.Alerts.DiscordURL)

	loggerConfig := logger.DefaultLoggerConfig()
	loggerConfig.Level = logger.ParseLogLevel(cfg.Logging.Level)
	loggerConfig.FilePath = cfg.Logging.FilePath
	loggerConfig.File = cfg.Logging.FilePath != ""
	var alertHook *discord.LogHook
	if alerts.Enabled() {
		alertHook = discord.NewLogHook(alerts, zerolog.ErrorLevel, cfg.Alerts.LogInterval, cfg.Alerts.LogBurst)
		loggerConfig.Hooks = append(loggerConfig.Hooks, alertHook)
	}
	log := logger.FromConfig(loggerConfig)

	if envErr != nil {
		log.Debug("No .env file loaded", "error", envErr)
	}

	log.Info("Transitboard feed service starting",
		"version", version,
		"log_level", cfg.Logging.Level,
		"sources", len(cfg.Feed.Sources),
		"archive", cfg.Archive.Enabled,
		"discord", alerts.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	opts := feed.Options{}
	if alerts.Enabled() {
		opts.Alerter = alerts
	}

	var (
		archiver *archive.Archiver
		cleaner  *maintenance.CleanupScheduler
	)
	if cfg.Archive.Enabled {
		database, err := db.New(ctx, cfg.Database.ConnectionString(), log)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		defer database.Close()

		if err := db.NewSchemaChecker(database).Migrate(ctx); err != nil {
			log.Fatal("Failed to migrate archive schema", "error", err)
		}

		archiver = archive.NewArchiver(archive.NewPostgresWriter(database), 0, log.With("component", "archive"))
		if err := archiver.Start(ctx); err != nil {
			log.Fatal("Failed to start archiver", "error", err)
		}
		opts.Archive = archiver

		cleanupCfg := maintenance.DefaultSchedulerConfig()
		cleanupCfg.CleanupInterval = cfg.Archive.CleanupInterval
		cleanupCfg.Retention = cfg.Archive.Retention
		cleaner = maintenance.NewCleanupScheduler(maintenance.New(database, log), log.With("component", "maintenance"), cleanupCfg)
		if err := cleaner.Start(ctx); err != nil {
			log.Fatal("Failed to start archive cleanup", "error", err)
		}
	} else {
		log.Info("Arrival archive disabled")
	}

	engine := feed.NewEngine(cfg.Feed, opts, log.With("component", "feed"))
	engine.LogConfig()

	watcher := connectivity.NewWatcher(connectivity.Config{
		Probe:    cfg.Feed.ConnectivityProbe,
		Interval: cfg.Feed.ConnectivityProbeInterval,
	}, engine, log.With("component", "connectivity"))
	if err := watcher.Start(ctx); err != nil {
		log.Fatal("Failed to start connectivity watcher", "error", err)
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start feed engine", "error", err)
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.NewServer(cfg.Server.Addr, engine, engine.Metrics().Registry, log.With("component", "server"))
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start HTTP server", "error", err)
		}
	}

	<-sigChan
	log.Info("Shutdown signal received")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown failed", "error", err)
		}
		shutdownCancel()
	}

	engine.Stop()
	watcher.Stop()
	if cleaner != nil {
		cleaner.Stop()
	}
	if archiver != nil {
		archiver.Stop()
		stats := archiver.Stats()
		log.Info("Archive totals", "written", stats.Written, "dropped", stats.Dropped, "failed", stats.Failed)
	}

	if alertHook != nil {
		alertHook.Wait()
		if n := alertHook.Dropped(); n > 0 {
			log.Info("Discord log mirroring was rate limited", "dropped", n)
		}
	}

	cancel()
	log.Info("Transitboard feed service stopped")
}
