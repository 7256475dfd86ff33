package storage

import (
	"database/sql"
	"fmt"
	"time"

	"market-relay/src/logger"
	"market-relay/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type AsyncSQLiteDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewAsyncSQLiteDB(cfg *models.MConfig, log *logger.Logger) (*AsyncSQLiteDB, error) {
	if cfg.Storage.DBPath == "" {
		return nil, fmt.Errorf("sqlite: db_path is required")
	}
	return &AsyncSQLiteDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Initialize() error {
	db, err := sql.Open("sqlite", d.Config.Storage.DBPath)
	if err != nil {
		return err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	// one writer; the sinks dispatcher is the only caller
	db.SetMaxOpenConns(1)
	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			threshold REAL NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			triggered INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			triggered_at INTEGER NOT NULL DEFAULT 0
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create alert_rules: %w", err)
	}

	query = `
		CREATE TABLE IF NOT EXISTS snapshots (
			symbol TEXT PRIMARY KEY,
			price REAL,
			bid REAL,
			ask REAL,
			high REAL,
			low REAL,
			prev_close REAL,
			volume REAL,
			change REAL,
			change_percent REAL,
			last_update INTEGER
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create snapshots: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) SaveAlertRule(rule models.MAlertRule) error {
	_, err := d.DB.Exec(`
		INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			symbol = excluded.symbol,
			kind = excluded.kind,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			triggered = excluded.triggered,
			message = excluded.message,
			triggered_at = excluded.triggered_at
	`, ruleArgs(rule)...)
	return err
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) DeleteAlertRule(id string) error {
	_, err := d.DB.Exec("DELETE FROM alert_rules WHERE id = ?", id)
	return err
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) LoadAlertRules() ([]models.MAlertRule, error) {
	rows, err := d.DB.Query("SELECT " + ruleColumns + " FROM alert_rules ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

// -----------------------------------------------------------------------------

// SaveSnapshotsBulk upserts snapshots; an older snapshot never replaces a
// newer stored one.
func (d *AsyncSQLiteDB) SaveSnapshotsBulk(snapshots []models.MSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			price = excluded.price,
			bid = excluded.bid,
			ask = excluded.ask,
			high = excluded.high,
			low = excluded.low,
			prev_close = excluded.prev_close,
			volume = excluded.volume,
			change = excluded.change,
			change_percent = excluded.change_percent,
			last_update = excluded.last_update
		WHERE excluded.last_update >= snapshots.last_update
	`)
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

func (d *AsyncSQLiteDB) LoadSnapshots() ([]models.MSnapshot, error) {
	rows, err := d.DB.Query("SELECT " + snapshotColumns + " FROM snapshots ORDER BY symbol")
	if err != nil {
		return nil, err
	}
	return scanSnapshots(rows)
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) CleanupOldData(cutoff time.Time) error {
	res, err := d.DB.Exec("DELETE FROM snapshots WHERE last_update < ?", cutoff.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.Logger.Info("Removed %d stale snapshot(s) older than %s", n, cutoff.Format(time.RFC3339))
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
