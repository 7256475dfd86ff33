package interfaces

import (
	"time"

	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// IDatabase defines the contract for storage operations.
// -----------------------------------------------------------------------------

type IDatabase interface {

	// -----------------------------------------------------------------------------

	// Initialize sets up the database schema and tables.
	Initialize() error

	// -----------------------------------------------------------------------------

	// SaveAlertRule inserts or replaces one alert rule.
	SaveAlertRule(rule models.MAlertRule) error

	// -----------------------------------------------------------------------------

	// DeleteAlertRule removes a rule by id. Unknown ids are not an error.
	DeleteAlertRule(id string) error

	// -----------------------------------------------------------------------------

	// LoadAlertRules returns every persisted rule.
	LoadAlertRules() ([]models.MAlertRule, error)

	// -----------------------------------------------------------------------------

	// SaveSnapshotsBulk upserts the latest snapshot of each symbol.
	SaveSnapshotsBulk(snapshots []models.MSnapshot) error

	// -----------------------------------------------------------------------------

	// LoadSnapshots returns the persisted snapshots for warm start.
	LoadSnapshots() ([]models.MSnapshot, error)

	// -----------------------------------------------------------------------------

	// CleanupOldData removes snapshots not updated since cutoff.
	CleanupOldData(cutoff time.Time) error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
