package models

import "strings"

type MAlertKind string

const (
	AlertPriceAbove  MAlertKind = "price_above"
	AlertPriceBelow  MAlertKind = "price_below"
	AlertVolumeSpike MAlertKind = "volume_spike"
	AlertBreakout    MAlertKind = "breakout"
	AlertPattern     MAlertKind = "pattern"
	AlertAISignal    MAlertKind = "ai_signal"
)

// ParseAlertKind normalizes a client supplied kind.
func ParseAlertKind(s string) (MAlertKind, bool) {
	switch k := MAlertKind(strings.ToLower(strings.TrimSpace(s))); k {
	case AlertPriceAbove, AlertPriceBelow, AlertVolumeSpike, AlertBreakout, AlertPattern, AlertAISignal:
		return k, true
	case "pattern_recognition":
		return AlertPattern, true
	}
	return "", false
}

// External reports whether the kind is only fired through the signal hook.
func (k MAlertKind) External() bool {
	return k == AlertPattern || k == AlertAISignal
}

// MAlertRule Structure. Times are unix millis, TriggeredAt is zero until fired.
type MAlertRule struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Kind        MAlertKind `json:"type"`
	Threshold   float64    `json:"threshold"`
	Enabled     bool       `json:"enabled"`
	Triggered   bool       `json:"triggered"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   int64      `json:"createdAt"`
	TriggeredAt int64      `json:"triggeredAt,omitempty"`
}

// MAlertTrigger is produced once per rule firing.
type MAlertTrigger struct {
	Rule     MAlertRule `json:"alert"`
	Symbol   string     `json:"symbol"`
	Snapshot *MSnapshot `json:"data,omitempty"`
	Message  string     `json:"message"`
	At       int64      `json:"timestamp"`
}
