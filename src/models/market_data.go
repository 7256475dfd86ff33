package models

// MTickField names the snapshot field a tick updates.
type MTickField string

const (
	FieldBid       MTickField = "bid"
	FieldAsk       MTickField = "ask"
	FieldLast      MTickField = "last"
	FieldHigh      MTickField = "high"
	FieldLow       MTickField = "low"
	FieldVolume    MTickField = "volume"
	FieldPrevClose MTickField = "prevClose"
)

// -----------------------------------------------------------------------------
// Gateway tick field codes. These numbers belong to the external gateway's
// wire format and must stay exactly as they are.
// -----------------------------------------------------------------------------

const (
	TickCodeBid    = 1
	TickCodeAsk    = 2
	TickCodeLast   = 4
	TickCodeHigh   = 6
	TickCodeLow    = 7
	TickCodeVolume = 8
	TickCodeClose  = 9
)

var tickCodeFields = map[int]MTickField{
	TickCodeBid:    FieldBid,
	TickCodeAsk:    FieldAsk,
	TickCodeLast:   FieldLast,
	TickCodeHigh:   FieldHigh,
	TickCodeLow:    FieldLow,
	TickCodeVolume: FieldVolume,
	TickCodeClose:  FieldPrevClose,
}

// FieldForCode maps a gateway field code to a tick field.
// Codes outside the table are reported as unknown.
func FieldForCode(code int) (MTickField, bool) {
	f, ok := tickCodeFields[code]
	return f, ok
}

// MTick is a single field update for one symbol. Timestamp is unix millis.
type MTick struct {
	Symbol    string     `json:"symbol"`
	Field     MTickField `json:"field"`
	Value     float64    `json:"value"`
	Timestamp int64      `json:"timestamp"`
}

// MSnapshot is the folded per-symbol market state served to clients.
type MSnapshot struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PrevClose     float64 `json:"prevClose"`
	Volume        float64 `json:"volume"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	LastUpdate    int64   `json:"lastUpdate"`
}

// MBar is one historical OHLCV bar. Time is unix seconds.
type MBar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// MHistoricalQuery selects the window of a historical bar request.
type MHistoricalQuery struct {
	Duration   string `json:"duration"`
	BarSize    string `json:"barSize"`
	WhatToShow string `json:"whatToShow"`
	UseRTH     bool   `json:"useRTH"`
}

type MContractDetails struct {
	Symbol          string  `json:"symbol"`
	ConID           int64   `json:"conId"`
	SecType         string  `json:"secType"`
	Exchange        string  `json:"exchange"`
	PrimaryExchange string  `json:"primaryExchange"`
	Currency        string  `json:"currency"`
	LongName        string  `json:"longName"`
	Industry        string  `json:"industry"`
	Category        string  `json:"category"`
	MinTick         float64 `json:"minTick"`
}
