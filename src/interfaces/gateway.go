package interfaces

import (
	"context"

	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// IUpstream is the part of the gateway session the subscription multiplexer
// drives.
// -----------------------------------------------------------------------------

type IUpstream interface {

	// Subscribe starts streaming ticks for a symbol and returns its handle.
	// Fails with helpers.ErrNotConnected when no session is active.
	Subscribe(symbol string) (int64, error)

	// -----------------------------------------------------------------------------

	// Unsubscribe stops a stream. Best-effort: unknown handles are only logged.
	Unsubscribe(handle int64)
}

// -----------------------------------------------------------------------------
// IGateway is the full upstream gateway connector contract.
// -----------------------------------------------------------------------------

type IGateway interface {
	IUpstream

	// -----------------------------------------------------------------------------

	// RequestHistorical returns the complete bar sequence or an error.
	// Partial results are never returned.
	RequestHistorical(ctx context.Context, symbol string, query models.MHistoricalQuery) ([]models.MBar, error)

	// -----------------------------------------------------------------------------

	// RequestContractDetails looks up the contract(s) matching a symbol.
	RequestContractDetails(ctx context.Context, symbol string) ([]models.MContractDetails, error)

	// -----------------------------------------------------------------------------

	// Events is the ordered stream of connection, tick and error events.
	Events() <-chan models.MGatewayEvent

	// -----------------------------------------------------------------------------

	// State names the connection state machine's current state.
	State() string

	// -----------------------------------------------------------------------------

	// Connected reports whether a session is currently established.
	Connected() bool
}
