package models

import "time"

// MGatewayEvent is the closed set of events emitted by the upstream connector.
// Consumers switch on the concrete type.
type MGatewayEvent interface {
	gatewayEvent()
}

// MConnectedEvent is emitted each time a session to the gateway is established.
// Session increases with every new session.
type MConnectedEvent struct {
	Session uint64
	At      time.Time
}

type MDisconnectedEvent struct {
	Session uint64
	Err     error
}

// MExhaustedEvent is terminal: the connector stopped retrying.
type MExhaustedEvent struct {
	Attempts int
	Err      error
}

// MTickEvent carries a tick together with the handle it arrived on.
type MTickEvent struct {
	Handle int64
	Tick   MTick
}

// MGatewayErrorEvent is a gateway-reported error for a request handle.
// Handle is -1 for session wide notices.
type MGatewayErrorEvent struct {
	Handle  int64
	Symbol  string
	Code    int
	Message string
}

func (MConnectedEvent) gatewayEvent()    {}
func (MDisconnectedEvent) gatewayEvent() {}
func (MExhaustedEvent) gatewayEvent()    {}
func (MTickEvent) gatewayEvent()         {}
func (MGatewayErrorEvent) gatewayEvent() {}
