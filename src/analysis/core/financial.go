package core

// -----------------------------------------------------------------------------

// CalculateChange returns the absolute and percent (x100) move of price
// against the previous close. ok is false while prevClose is unknown.
func CalculateChange(price, prevClose float64) (change, changePercent float64, ok bool) {
	if prevClose == 0 {
		return 0, 0, false
	}
	change = price - prevClose
	return change, change / prevClose * 100, true
}

// -----------------------------------------------------------------------------

const (
	BreakoutLookback = 10
	BreakoutAverage  = 5
	BreakoutUpside   = 1.02
	BreakoutDownside = 0.98
)

// Breakout direction of a price against its recent history.
type Breakout int

const (
	NoBreakout Breakout = iota
	BreakoutUp
	BreakoutDown
)

// DetectBreakout compares price with the prior samples (oldest first).
// An upside breakout clears the max of the last 10 samples and 1.02x the
// average of the last 5. The downside case mirrors it with the min and 0.98x.
// Fewer than 10 prior samples never break out.
func DetectBreakout(prior []float64, price float64) Breakout {
	if len(prior) < BreakoutLookback {
		return NoBreakout
	}

	lo, hi := CalculateMinMax(prior[len(prior)-BreakoutLookback:])
	avg, _ := CalculateMeanStd(prior[len(prior)-BreakoutAverage:])

	switch {
	case price > hi && price > avg*BreakoutUpside:
		return BreakoutUp
	case price < lo && price < avg*BreakoutDownside:
		return BreakoutDown
	}
	return NoBreakout
}

// -----------------------------------------------------------------------------

// CalculateAnomalyRatio computes current volume relative to a baseline.
func CalculateAnomalyRatio(currentVol, avgVol float64) float64 {
	if avgVol <= 0 {
		if currentVol == 0 {
			return 1.0
		}
		return currentVol
	}
	return currentVol / avgVol
}
