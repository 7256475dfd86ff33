package interfaces

import "market-relay/src/models"

// -----------------------------------------------------------------------------
// IDataExchanger is the control surface of the relay shared by the HTTP API
// and the gRPC control service.
// -----------------------------------------------------------------------------

type IDataExchanger interface {

	// -----------------------------------------------------------------------------
	// Status answers the status query
	Status() models.MRelayStatus

	// -----------------------------------------------------------------------------
	// Subscriptions lists the multiplexed upstream subscriptions
	Subscriptions() []models.MSubscriptionInfo

	// -----------------------------------------------------------------------------
	// ResetAlert re-arms a triggered rule
	ResetAlert(id string) (models.MAlertRule, error)

	// -----------------------------------------------------------------------------
	// TriggerSignal fires external-signal rules (pattern / ai_signal) for a symbol
	TriggerSignal(symbol string, kind models.MAlertKind, message string) ([]models.MAlertRule, error)
}
