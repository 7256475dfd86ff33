package server

import (
	"sort"

	"market-relay/src/analysis/core"
	"market-relay/src/models"
)

// -----------------------------------------------------------------------------

// foldTick merges one tick into the symbol's snapshot. Every field is
// last-writer-wins; volume is the gateway's cumulative size, so it replaces
// rather than accumulates. LastUpdate never moves backwards.
func foldTick(snap *models.MSnapshot, tick models.MTick, now int64) {
	switch tick.Field {
	case models.FieldBid:
		snap.Bid = tick.Value
	case models.FieldAsk:
		snap.Ask = tick.Value
	case models.FieldLast:
		snap.Price = tick.Value
		recomputeChange(snap)
	case models.FieldHigh:
		snap.High = tick.Value
	case models.FieldLow:
		snap.Low = tick.Value
	case models.FieldVolume:
		snap.Volume = tick.Value
	case models.FieldPrevClose:
		snap.PrevClose = tick.Value
		recomputeChange(snap)
	}

	ts := tick.Timestamp
	if ts <= 0 {
		ts = now
	}
	if ts > snap.LastUpdate {
		snap.LastUpdate = ts
	}
}

func recomputeChange(snap *models.MSnapshot) {
	if snap.Price <= 0 {
		return
	}
	if change, pct, ok := core.CalculateChange(snap.Price, snap.PrevClose); ok {
		snap.Change = change
		snap.ChangePercent = pct
	}
}

// -----------------------------------------------------------------------------

func sortedSnapshots(m map[string]*models.MSnapshot) []models.MSnapshot {
	out := make([]models.MSnapshot, 0, len(m))
	for _, s := range m {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
