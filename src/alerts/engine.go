package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"market-relay/src/analysis/core"
	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"
	"market-relay/src/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var volumeSpikeFactor = decimal.NewFromInt(2)

// -----------------------------------------------------------------------------

// Engine evaluates alert rules against snapshot updates. A rule that fires is
// latched (Triggered) and skipped until Reset.
type Engine struct {
	Logger      *logger.Logger
	historySize int
	retention   time.Duration
	now         func() time.Time

	mu      sync.Mutex
	rules   map[string]*models.MAlertRule
	history map[string]*utils.RingBuffer // symbol -> recent last prices
}

// -----------------------------------------------------------------------------

func NewEngine(historySize int, retention time.Duration, l *logger.Logger) *Engine {
	if historySize < core.BreakoutLookback {
		historySize = core.BreakoutLookback
	}
	return &Engine{
		Logger:      l,
		historySize: historySize,
		retention:   retention,
		now:         time.Now,
		rules:       make(map[string]*models.MAlertRule),
		history:     make(map[string]*utils.RingBuffer),
	}
}

// -----------------------------------------------------------------------------

// Load restores persisted rules, replacing rules with the same id.
func (e *Engine) Load(rules []models.MAlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range rules {
		r := rules[i]
		e.rules[r.ID] = &r
	}
}

// -----------------------------------------------------------------------------

// Create validates a client request and registers a new enabled rule.
func (e *Engine) Create(req models.MAlertRequest) (models.MAlertRule, error) {
	symbol, err := helpers.NormalizeSymbol(req.Symbol)
	if err != nil {
		return models.MAlertRule{}, err
	}
	kind, ok := models.ParseAlertKind(req.Kind)
	if !ok {
		return models.MAlertRule{}, helpers.NewValidationError("unknown alert type '%s'", req.Kind)
	}
	switch kind {
	case models.AlertPriceAbove, models.AlertPriceBelow, models.AlertVolumeSpike:
		if req.Threshold <= 0 {
			return models.MAlertRule{}, helpers.NewValidationError("%s requires a positive threshold", kind)
		}
	}

	rule := models.MAlertRule{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kind:      kind,
		Threshold: req.Threshold,
		Enabled:   req.Enabled == nil || *req.Enabled,
		Message:   req.Message,
		CreatedAt: e.now().UnixMilli(),
	}

	e.mu.Lock()
	e.rules[rule.ID] = &rule
	e.mu.Unlock()

	return rule, nil
}

// -----------------------------------------------------------------------------

func (e *Engine) Delete(id string) (models.MAlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rules[id]
	if !ok {
		return models.MAlertRule{}, helpers.ErrAlertNotFound
	}
	delete(e.rules, id)
	return *r, nil
}

// Reset re-arms a rule so it can fire again.
func (e *Engine) Reset(id string) (models.MAlertRule, error) {
	return e.update(id, func(r *models.MAlertRule) {
		r.Triggered = false
		r.TriggeredAt = 0
	})
}

func (e *Engine) SetEnabled(id string, enabled bool) (models.MAlertRule, error) {
	return e.update(id, func(r *models.MAlertRule) {
		r.Enabled = enabled
	})
}

func (e *Engine) update(id string, fn func(*models.MAlertRule)) (models.MAlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rules[id]
	if !ok {
		return models.MAlertRule{}, helpers.ErrAlertNotFound
	}
	fn(r)
	return *r, nil
}

// -----------------------------------------------------------------------------

// List returns every rule ordered by creation time.
func (e *Engine) List() []models.MAlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.MAlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// -----------------------------------------------------------------------------

// Evaluate checks every armed rule for the snapshot's symbol and returns one
// trigger per rule that fired. field is the tick field that produced the
// update; last-price updates extend the breakout history after evaluation.
func (e *Engine) Evaluate(snap models.MSnapshot, field models.MTickField) []models.MAlertTrigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	hist := e.history[snap.Symbol]
	var prior []float64
	if hist != nil {
		prior = hist.All()
	}

	var fired []models.MAlertTrigger
	for _, r := range e.sortedRulesLocked(snap.Symbol) {
		if !r.Enabled || r.Triggered || r.Kind.External() {
			continue
		}
		message, ok := e.check(r, snap, prior)
		if !ok {
			continue
		}
		fired = append(fired, e.fireLocked(r, &snap, message))
	}

	if field == models.FieldLast && snap.Price > 0 {
		if hist == nil {
			hist = utils.NewRingBuffer(e.historySize)
			e.history[snap.Symbol] = hist
		}
		hist.Append(snap.Price)
	}
	return fired
}

// -----------------------------------------------------------------------------

func (e *Engine) check(r *models.MAlertRule, snap models.MSnapshot, prior []float64) (string, bool) {
	price := decimal.NewFromFloat(snap.Price)
	threshold := decimal.NewFromFloat(r.Threshold)

	switch r.Kind {
	case models.AlertPriceAbove:
		if snap.Price > 0 && price.GreaterThanOrEqual(threshold) {
			return fmt.Sprintf("%s price %s is at or above %s", snap.Symbol, price, threshold), true
		}

	case models.AlertPriceBelow:
		if snap.Price > 0 && price.LessThanOrEqual(threshold) {
			return fmt.Sprintf("%s price %s is at or below %s", snap.Symbol, price, threshold), true
		}

	case models.AlertVolumeSpike:
		volume := decimal.NewFromFloat(snap.Volume)
		if volume.GreaterThanOrEqual(threshold.Mul(volumeSpikeFactor)) {
			ratio := core.CalculateAnomalyRatio(snap.Volume, r.Threshold)
			return fmt.Sprintf("%s volume %s is %.1fx its baseline", snap.Symbol, volume, ratio), true
		}

	case models.AlertBreakout:
		if snap.Price <= 0 {
			return "", false
		}
		switch core.DetectBreakout(prior, snap.Price) {
		case core.BreakoutUp:
			return fmt.Sprintf("%s broke out above its recent range at %s", snap.Symbol, price), true
		case core.BreakoutDown:
			return fmt.Sprintf("%s broke down below its recent range at %s", snap.Symbol, price), true
		}
	}
	return "", false
}

// -----------------------------------------------------------------------------

// TriggerExternal is the hook for signals produced outside the relay (pattern
// recognition, AI signals). It fires every armed rule of that kind for the
// symbol. snap may be nil when no market data is cached yet.
func (e *Engine) TriggerExternal(symbol string, kind models.MAlertKind, message string, snap *models.MSnapshot) ([]models.MAlertTrigger, error) {
	symbol, err := helpers.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if !kind.External() {
		return nil, helpers.NewValidationError("alert type '%s' is not driven by external signals", kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []models.MAlertTrigger
	for _, r := range e.sortedRulesLocked(symbol) {
		if r.Kind != kind || !r.Enabled || r.Triggered {
			continue
		}
		msg := message
		if msg == "" {
			msg = fmt.Sprintf("%s %s signal", symbol, kind)
		}
		fired = append(fired, e.fireLocked(r, snap, msg))
	}
	return fired, nil
}

// -----------------------------------------------------------------------------

// Sweep removes rules that have stayed triggered longer than the retention
// window and returns them.
func (e *Engine) Sweep() []models.MAlertRule {
	if e.retention <= 0 {
		return nil
	}
	cutoff := e.now().Add(-e.retention).UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []models.MAlertRule
	for id, r := range e.rules {
		if r.Triggered && r.TriggeredAt > 0 && r.TriggeredAt < cutoff {
			removed = append(removed, *r)
			delete(e.rules, id)
		}
	}
	return removed
}

// -----------------------------------------------------------------------------

func (e *Engine) fireLocked(r *models.MAlertRule, snap *models.MSnapshot, generated string) models.MAlertTrigger {
	now := e.now().UnixMilli()
	r.Triggered = true
	r.TriggeredAt = now

	message := r.Message
	if message == "" {
		message = generated
	}

	if e.Logger != nil {
		e.Logger.Info("Alert %s (%s %s) triggered: %s", r.ID, r.Symbol, r.Kind, message)
	}

	var data *models.MSnapshot
	if snap != nil {
		cp := *snap
		data = &cp
	}
	return models.MAlertTrigger{
		Rule:     *r,
		Symbol:   r.Symbol,
		Snapshot: data,
		Message:  message,
		At:       now,
	}
}

func (e *Engine) sortedRulesLocked(symbol string) []*models.MAlertRule {
	var out []*models.MAlertRule
	for _, r := range e.rules {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
