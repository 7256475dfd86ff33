package main

import (
	"context"
	"time"

	"market-relay/src/alerts"
	"market-relay/src/cache"
	"market-relay/src/gateway"
	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/metrics"
	"market-relay/src/models"
	"market-relay/src/multiplexer"
	"market-relay/src/publisher"
	"market-relay/src/server"
	"market-relay/src/sinks"
	"market-relay/src/storage"
	"market-relay/src/utils"
)

// relay holds every long-lived component of the process.
type relay struct {
	db        interfaces.IDatabase
	cache     *cache.RedisCache
	publisher *publisher.KafkaPublisher
	metrics   *metrics.Metrics
	connector *gateway.Connector
	sinks     *sinks.Dispatcher
	hub       *server.Hub
	logger    *logger.Logger
}

// -----------------------------------------------------------------------------

func setupRelay(ctx context.Context, config *models.MConfig, appLogger *logger.Logger) (*relay, error) {
	r := &relay{logger: appLogger}

	if config.Metrics.Enabled {
		r.metrics = metrics.New(config.Metrics.Namespace)
	}

	db, err := setupDatabase(config, appLogger)
	if err != nil {
		return nil, err
	}
	r.db = db

	if err := setupOutputs(r, config, appLogger); err != nil {
		r.close()
		return nil, err
	}

	engine := setupAlerts(config, db, appLogger)

	opts := sinks.Options{
		DB:            db,
		FlushInterval: time.Duration(config.Storage.FlushIntervalSeconds) * time.Second,
		Retention:     time.Duration(config.Storage.SnapshotRetentionDay) * 24 * time.Hour,
	}
	if r.cache != nil {
		opts.Cache = r.cache
	}
	if r.publisher != nil {
		opts.Publisher = r.publisher
	}
	r.sinks = sinks.New(opts, appLogger.Named("Sinks"), r.metrics)

	r.connector = gateway.NewConnector(gateway.ConfigFromModel(config.Gateway), appLogger.Named("Gateway"), r.metrics)
	mux := multiplexer.New(r.connector, appLogger.Named("Multiplexer"), r.metrics)
	scheduler := utils.NewMarketScheduler(config.Markets, appLogger.Named("Scheduler"))

	r.hub = server.NewHub(config, server.Deps{
		Gateway:   r.connector,
		Mux:       mux,
		Alerts:    engine,
		Sinks:     r.sinks,
		Metrics:   r.metrics,
		Scheduler: scheduler,
	}, appLogger.Named("Hub"))

	restoreSnapshots(ctx, r, appLogger)
	r.hub.AcquireWatchlist(resolveWatchlist(config, db, appLogger))

	return r, nil
}

// -----------------------------------------------------------------------------

// setupDatabase initializes the database connection based on config
func setupDatabase(config *models.MConfig, appLogger *logger.Logger) (interfaces.IDatabase, error) {
	db, err := storage.New(config, appLogger.Named("Storage"))
	if err != nil {
		return nil, err
	}
	if db == nil {
		appLogger.Info("Persistence disabled")
		return nil, nil
	}
	if err := db.Initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// setupOutputs connects the optional Redis mirror and Kafka publisher.
func setupOutputs(r *relay, config *models.MConfig, appLogger *logger.Logger) error {
	if config.Cache.Enabled {
		c, err := cache.New(config.Cache, appLogger.Named("Cache"))
		if err != nil {
			return err
		}
		r.cache = c
	}
	if config.Kafka.Enabled {
		p, err := publisher.NewKafkaPublisher(config.Kafka, appLogger.Named("Kafka"))
		if err != nil {
			return err
		}
		r.publisher = p
	}
	return nil
}

// setupAlerts creates the rule engine and restores persisted rules.
func setupAlerts(config *models.MConfig, db interfaces.IDatabase, appLogger *logger.Logger) *alerts.Engine {
	engine := alerts.NewEngine(
		config.Alerts.HistorySize,
		time.Duration(config.Alerts.RetentionMinutes)*time.Minute,
		appLogger.Named("Alerts"),
	)
	if db == nil {
		return engine
	}

	rules, err := db.LoadAlertRules()
	if err != nil {
		appLogger.Warning("Failed to load alert rules: %v", err)
		return engine
	}
	engine.Load(rules)
	appLogger.Info("Restored %d alert rule(s)", len(rules))
	return engine
}

// -----------------------------------------------------------------------------

// restoreSnapshots warm-starts the hub cache, preferring Redis over the
// database.
func restoreSnapshots(ctx context.Context, r *relay, appLogger *logger.Logger) {
	if r.cache != nil {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		snaps, err := r.cache.LoadSnapshots(lctx)
		cancel()
		if err != nil {
			appLogger.Warning("Failed to load snapshots from cache: %v", err)
		} else if len(snaps) > 0 {
			r.hub.Restore(snaps)
			appLogger.Info("Restored %d snapshot(s) from cache", len(snaps))
			return
		}
	}

	if r.db == nil {
		return
	}
	snaps, err := r.db.LoadSnapshots()
	if err != nil {
		appLogger.Warning("Failed to load snapshots from database: %v", err)
		return
	}
	r.hub.Restore(snaps)
	appLogger.Info("Restored %d snapshot(s) from database", len(snaps))
}

// resolveWatchlist expands Postgres table references and normalizes the
// result. Invalid entries are skipped with a warning.
func resolveWatchlist(config *models.MConfig, db interfaces.IDatabase, appLogger *logger.Logger) []string {
	entries := config.Watchlist
	if pg, ok := db.(*storage.PostgresDB); ok {
		resolved, err := pg.ResolveWatchlist(config.Name, entries)
		if err != nil {
			appLogger.Warning("Watchlist resolution incomplete: %v", err)
		}
		entries = resolved
	}

	var plain []string
	for _, entry := range entries {
		if _, isRef := storage.ParseSymbolRef(entry); isRef {
			appLogger.Warning("Watchlist entry %s needs postgres storage, skipping", entry)
			continue
		}
		plain = append(plain, entry)
	}

	symbols, rejected := helpers.NormalizeSymbols(plain)
	for _, r := range rejected {
		appLogger.Warning("Skipping watchlist entry: %v", helpers.InvalidSymbolError(r))
	}
	return symbols
}

// -----------------------------------------------------------------------------

func (r *relay) close() {
	if r.connector != nil {
		r.connector.Close()
	}
	if r.publisher != nil {
		if err := r.publisher.Close(); err != nil {
			r.logger.Warning("Kafka writer close: %v", err)
		}
	}
	if r.cache != nil {
		r.cache.Close()
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Warning("Database close: %v", err)
		}
	}
}
