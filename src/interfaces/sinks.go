package interfaces

import (
	"context"

	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// ISnapshotCache mirrors the latest snapshots into a shared cache.
// -----------------------------------------------------------------------------

type ISnapshotCache interface {
	SaveSnapshots(ctx context.Context, snapshots []models.MSnapshot) error

	// -----------------------------------------------------------------------------

	LoadSnapshots(ctx context.Context) ([]models.MSnapshot, error)

	// -----------------------------------------------------------------------------

	Close() error
}

// -----------------------------------------------------------------------------
// IAlertPublisher forwards triggered alerts to downstream consumers.
// -----------------------------------------------------------------------------

type IAlertPublisher interface {
	PublishAlert(ctx context.Context, trigger models.MAlertTrigger) error

	// -----------------------------------------------------------------------------

	Close() error
}
