package storage

import (
	"database/sql"
	"fmt"

	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"
)

// -----------------------------------------------------------------------------

// New opens the database selected by storage.db_type. It returns nil, nil for
// "none" so callers can run without persistence.
func New(cfg *models.MConfig, l *logger.Logger) (interfaces.IDatabase, error) {
	switch cfg.Storage.DBType {
	case "none":
		return nil, nil
	case "postgres":
		db, err := NewPostgresDB(cfg, l)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite", "":
		db, err := NewAsyncSQLiteDB(cfg, l)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Storage.DBType)
	}
}

// -----------------------------------------------------------------------------
// Row scanning shared by both drivers. Column order must match the SELECTs.
// -----------------------------------------------------------------------------

const (
	ruleColumns     = "id, symbol, kind, threshold, enabled, triggered, message, created_at, triggered_at"
	snapshotColumns = "symbol, price, bid, ask, high, low, prev_close, volume, change, change_percent, last_update"
)

func scanRules(rows *sql.Rows) ([]models.MAlertRule, error) {
	defer rows.Close()

	var rules []models.MAlertRule
	for rows.Next() {
		var r models.MAlertRule
		var kind string
		if err := rows.Scan(&r.ID, &r.Symbol, &kind, &r.Threshold, &r.Enabled, &r.Triggered,
			&r.Message, &r.CreatedAt, &r.TriggeredAt); err != nil {
			return nil, err
		}
		r.Kind = models.MAlertKind(kind)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanSnapshots(rows *sql.Rows) ([]models.MSnapshot, error) {
	defer rows.Close()

	var snaps []models.MSnapshot
	for rows.Next() {
		var s models.MSnapshot
		if err := rows.Scan(&s.Symbol, &s.Price, &s.Bid, &s.Ask, &s.High, &s.Low, &s.PrevClose,
			&s.Volume, &s.Change, &s.ChangePercent, &s.LastUpdate); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func ruleArgs(r models.MAlertRule) []any {
	return []any{r.ID, r.Symbol, string(r.Kind), r.Threshold, r.Enabled, r.Triggered, r.Message, r.CreatedAt, r.TriggeredAt}
}

func snapshotArgs(s models.MSnapshot) []any {
	return []any{s.Symbol, s.Price, s.Bid, s.Ask, s.High, s.Low, s.PrevClose, s.Volume, s.Change, s.ChangePercent, s.LastUpdate}
}
