package models

// -----------------------------------------------------------------------------
// Client -> Hub
// -----------------------------------------------------------------------------

const (
	CmdSubscribe     = "subscribe"
	CmdUnsubscribe   = "unsubscribe"
	CmdPing          = "ping"
	CmdCreateAlert   = "createAlert"
	CmdDeleteAlert   = "deleteAlert"
	CmdResetAlert    = "resetAlert"
	CmdToggleAlert   = "toggleAlert"
	CmdListAlerts    = "listAlerts"
	CmdGetHistorical = "getHistorical"
	CmdGetContract   = "getContract"
)

// MClientCommand is the envelope of every client message. Only the fields
// relevant to Type are populated.
type MClientCommand struct {
	Type       string            `json:"type"`
	Symbols    []string          `json:"symbols,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	ID         string            `json:"id,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
	Alert      *MAlertRequest    `json:"alert,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
	Historical *MHistoricalQuery `json:"historical,omitempty"`
}

type MAlertRequest struct {
	Symbol    string  `json:"symbol"`
	Kind      string  `json:"type"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

// -----------------------------------------------------------------------------
// Hub -> Client
// -----------------------------------------------------------------------------

const (
	MsgConnected       = "connected"
	MsgMarketData      = "market_data_update"
	MsgAlertTriggered  = "alert_triggered"
	MsgPong            = "pong"
	MsgError           = "error"
	MsgSubscribed      = "subscribed"
	MsgUnsubscribed    = "unsubscribed"
	MsgAlertCreated    = "alert_created"
	MsgAlertUpdated    = "alert_updated"
	MsgAlertDeleted    = "alert_deleted"
	MsgAlerts          = "alerts"
	MsgHistoricalData  = "historical_data"
	MsgContractDetails = "contract_details"
	MsgGatewayStatus   = "gateway_status"
)

type MHandshakeMessage struct {
	Type             string `json:"type"`
	ClientID         string `json:"clientId"`
	Timestamp        int64  `json:"timestamp"`
	SnapshotCount    int    `json:"snapshotCount"`
	GatewayConnected bool   `json:"gatewayConnected"`
}

type MMarketDataMessage struct {
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Data      MSnapshot `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

type MAlertTriggeredMessage struct {
	Type string `json:"type"`
	MAlertTrigger
}

type MPongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type MErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Symbol  string `json:"symbol,omitempty"`
	Code    int    `json:"code,omitempty"`
}

type MSymbolsMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type MAlertMessage struct {
	Type  string     `json:"type"`
	Alert MAlertRule `json:"alert"`
}

type MAlertDeletedMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type MAlertListMessage struct {
	Type   string       `json:"type"`
	Alerts []MAlertRule `json:"alerts"`
}

type MHistoricalMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Symbol    string `json:"symbol"`
	Bars      []MBar `json:"bars"`
}

type MContractMessage struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	Symbol    string             `json:"symbol"`
	Details   []MContractDetails `json:"details"`
}

type MGatewayStatusMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Timestamp int64  `json:"timestamp"`
}
