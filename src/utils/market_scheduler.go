package utils

import (
	"sync"
	"time"

	"market-relay/src/logger"
)

// MarketScheduler tracks which exchange calendars the relayed symbols trade
// on so the relay can report whether any of its markets is in session.
type MarketScheduler struct {
	Logger    *logger.Logger
	overrides map[string]string

	mu        sync.RWMutex
	calendars map[string]*TradingCalendar // by MIC
	symbols   map[string]string           // symbol -> MIC
	now       func() time.Time
}

// -----------------------------------------------------------------------------

func NewMarketScheduler(overrides map[string]string, l *logger.Logger) *MarketScheduler {
	return &MarketScheduler{
		Logger:    l,
		overrides: overrides,
		calendars: make(map[string]*TradingCalendar),
		symbols:   make(map[string]string),
		now:       time.Now,
	}
}

// -----------------------------------------------------------------------------

// Track maps a symbol to its calendar, loading the calendar on first use.
func (ms *MarketScheduler) Track(symbol string) {
	mic := MICForSymbol(symbol, ms.overrides)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.symbols[symbol]; ok {
		return
	}
	ms.calendarLocked(mic)
	ms.symbols[symbol] = mic
}

func (ms *MarketScheduler) calendarLocked(mic string) *TradingCalendar {
	if cal, ok := ms.calendars[mic]; ok {
		return cal
	}
	cal := GetCalendar(mic)
	ms.calendars[mic] = cal
	if cal.Fallback && ms.Logger != nil {
		ms.Logger.Warning("No calendar for MIC '%s', using Mon-Fri 09:30-16:00 New York hours", mic)
	}
	return cal
}

// Untrack forgets a symbol. Loaded calendars are kept for reuse.
func (ms *MarketScheduler) Untrack(symbol string) {
	ms.mu.Lock()
	delete(ms.symbols, symbol)
	ms.mu.Unlock()
}

// -----------------------------------------------------------------------------

// IsOpen reports whether the symbol's market is in session now. The symbol
// does not have to be tracked.
func (ms *MarketScheduler) IsOpen(symbol string) bool {
	mic := MICForSymbol(symbol, ms.overrides)

	ms.mu.Lock()
	cal := ms.calendarLocked(mic)
	ms.mu.Unlock()

	return cal.IsOpenAt(ms.now().UTC())
}

// -----------------------------------------------------------------------------

// AnyMarketOpen checks if ANY tracked markets are currently open
func (ms *MarketScheduler) AnyMarketOpen() bool {
	now := ms.now().UTC()

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	inUse := make(map[string]bool)
	for _, mic := range ms.symbols {
		inUse[mic] = true
	}
	for mic := range inUse {
		if ms.calendars[mic].IsOpenAt(now) {
			return true
		}
	}
	return false
}
