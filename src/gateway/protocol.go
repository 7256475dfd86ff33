package gateway

import "market-relay/src/models"

// Commands understood by the gateway bridge.
const (
	cmdStartAPI           = "startApi"
	cmdReqMktData         = "reqMktData"
	cmdCancelMktData      = "cancelMktData"
	cmdReqHistoricalData  = "reqHistoricalData"
	cmdReqContractDetails = "reqContractDetails"
)

// Frames sent by the gateway bridge.
const (
	frameConnectAck         = "connectAck"
	frameConnectRejected    = "connectRejected"
	frameTickPrice          = "tickPrice"
	frameTickSize           = "tickSize"
	frameHistoricalData     = "historicalData"
	frameHistoricalDataEnd  = "historicalDataEnd"
	frameContractDetails    = "contractDetails"
	frameContractDetailsEnd = "contractDetailsEnd"
	frameError              = "error"
)

const (
	defaultSecType    = "STK"
	defaultDuration   = "1 D"
	defaultBarSize    = "5 mins"
	defaultWhatToShow = "TRADES"

	// Gateway notices about farm connectivity (2100-2199) carry no request
	// and are informational only.
	noticeCodeMin = 2100
	noticeCodeMax = 2199
)

type command struct {
	ID         int64  `json:"id"`
	Cmd        string `json:"cmd"`
	ClientID   int    `json:"clientId,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	SecType    string `json:"secType,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	Currency   string `json:"currency,omitempty"`
	Duration   string `json:"duration,omitempty"`
	BarSize    string `json:"barSize,omitempty"`
	WhatToShow string `json:"whatToShow,omitempty"`
	UseRTH     bool   `json:"useRTH,omitempty"`
}

type frame struct {
	Type    string                   `json:"type"`
	ReqID   int64                    `json:"reqId"`
	Field   int                      `json:"field"`
	Price   float64                  `json:"price"`
	Size    float64                  `json:"size"`
	Time    int64                    `json:"time"`
	Code    int                      `json:"code"`
	Message string                   `json:"message"`
	Bar     *models.MBar             `json:"bar,omitempty"`
	Details *models.MContractDetails `json:"details,omitempty"`
}

func isNotice(f frame) bool {
	return f.ReqID <= 0 && f.Code >= noticeCodeMin && f.Code <= noticeCodeMax
}

func withQueryDefaults(q models.MHistoricalQuery) models.MHistoricalQuery {
	if q.Duration == "" {
		q.Duration = defaultDuration
	}
	if q.BarSize == "" {
		q.BarSize = defaultBarSize
	}
	if q.WhatToShow == "" {
		q.WhatToShow = defaultWhatToShow
	}
	return q
}
