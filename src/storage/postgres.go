package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"market-relay/src/logger"
	"market-relay/src/models"

	_ "github.com/lib/pq"
)

var unsafeIdentChars = regexp.MustCompile(`[^a-z0-9_]+`)

// -----------------------------------------------------------------------------

type PostgresDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

// NewPostgresDB keeps all relay tables in a schema named after the app.
func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) (*PostgresDB, error) {
	if cfg.Storage.DBConnectionString == "" {
		return nil, fmt.Errorf("postgres: db_connection_string is required")
	}
	return &PostgresDB{
		Config: cfg,
		Schema: schemaName(cfg.Name),
		Logger: log,
	}, nil
}

func schemaName(name string) string {
	s := unsafeIdentChars.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "market_relay"
	}
	return s
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	db, err := sql.Open("postgres", d.Config.Storage.DBConnectionString)
	if err != nil {
		return err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}
	d.DB = db

	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", d.Schema, err)
	}
	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresDB initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) table(name string) string {
	return fmt.Sprintf(`"%s"."%s"`, d.Schema, name)
}

func (d *PostgresDB) createTables() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			triggered BOOLEAN NOT NULL DEFAULT FALSE,
			message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			triggered_at BIGINT NOT NULL DEFAULT 0
		);
	`, d.table("alert_rules"))
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create alert_rules: %w", err)
	}

	query = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT PRIMARY KEY,
			price DOUBLE PRECISION,
			bid DOUBLE PRECISION,
			ask DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			prev_close DOUBLE PRECISION,
			volume DOUBLE PRECISION,
			change DOUBLE PRECISION,
			change_percent DOUBLE PRECISION,
			last_update BIGINT
		);
	`, d.table("snapshots"))
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create snapshots: %w", err)
	}

	// Watchlist registry (symbol references resolved at startup)
	query = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT PRIMARY KEY,
			type TEXT,
			ref_schema TEXT,
			ref_table TEXT,
			ref_field TEXT,
			source_name TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`, d.table("symbols"))
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create symbols: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) SaveAlertRule(rule models.MAlertRule) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			kind = EXCLUDED.kind,
			threshold = EXCLUDED.threshold,
			enabled = EXCLUDED.enabled,
			triggered = EXCLUDED.triggered,
			message = EXCLUDED.message,
			triggered_at = EXCLUDED.triggered_at
	`, d.table("alert_rules"))
	_, err := d.DB.Exec(query, ruleArgs(rule)...)
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) DeleteAlertRule(id string) error {
	_, err := d.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, d.table("alert_rules")), id)
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) LoadAlertRules() ([]models.MAlertRule, error) {
	rows, err := d.DB.Query(fmt.Sprintf(`SELECT `+ruleColumns+` FROM %s ORDER BY created_at, id`, d.table("alert_rules")))
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) SaveSnapshotsBulk(snapshots []models.MSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s AS s (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol) DO UPDATE SET
			price = EXCLUDED.price,
			bid = EXCLUDED.bid,
			ask = EXCLUDED.ask,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			prev_close = EXCLUDED.prev_close,
			volume = EXCLUDED.volume,
			change = EXCLUDED.change,
			change_percent = EXCLUDED.change_percent,
			last_update = EXCLUDED.last_update
		WHERE EXCLUDED.last_update >= s.last_update
	`, d.table("snapshots"))
	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range snapshots {
		if _, err := stmt.Exec(snapshotArgs(s)...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) LoadSnapshots() ([]models.MSnapshot, error) {
	rows, err := d.DB.Query(fmt.Sprintf(`SELECT `+snapshotColumns+` FROM %s ORDER BY symbol`, d.table("snapshots")))
	if err != nil {
		return nil, err
	}
	return scanSnapshots(rows)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) CleanupOldData(cutoff time.Time) error {
	res, err := d.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE last_update < $1`, d.table("snapshots")), cutoff.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.Logger.Info("Removed %d stale snapshot(s) older than %s", n, cutoff.Format(time.RFC3339))
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
