package multiplexer

import (
	"sort"
	"sync"

	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/metrics"
	"market-relay/src/models"
)

// -----------------------------------------------------------------------------

// SubState is the lifecycle of one upstream subscription.
type SubState int

const (
	SubPending SubState = iota
	SubActive
	SubCancelling
)

func (s SubState) String() string {
	switch s {
	case SubPending:
		return "pending"
	case SubActive:
		return "active"
	case SubCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------

type subscription struct {
	symbol    string
	handle    int64 // 0 while no upstream stream exists
	session   uint64
	state     SubState
	consumers map[string]struct{}
}

// -----------------------------------------------------------------------------

// Multiplexer is the single source of truth for which symbols are subscribed
// upstream. The reference count of a symbol is the number of distinct
// consumers holding it; the upstream stream exists exactly while it is > 0.
//
// Upstream connectivity is learned only from OnConnected/OnDisconnected, which
// must be fed in the order the connector emitted them.
type Multiplexer struct {
	upstream interfaces.IUpstream
	Logger   *logger.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	subs     map[string]*subscription
	byHandle map[int64]string
	session  uint64
	live     bool
}

// -----------------------------------------------------------------------------

func New(upstream interfaces.IUpstream, l *logger.Logger, m *metrics.Metrics) *Multiplexer {
	return &Multiplexer{
		upstream: upstream,
		Logger:   l,
		metrics:  m,
		subs:     make(map[string]*subscription),
		byHandle: make(map[int64]string),
	}
}

// -----------------------------------------------------------------------------

// Acquire adds consumer as a holder of symbol and returns the new reference
// count. Only the first holder causes an upstream subscribe; while the
// upstream is down the subscription waits as Pending until replayed.
func (m *Multiplexer) Acquire(symbol, consumer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[symbol]
	if !ok {
		sub = &subscription{
			symbol:    symbol,
			state:     SubPending,
			consumers: make(map[string]struct{}),
		}
		m.subs[symbol] = sub
		m.metrics.SetSubscriptions(len(m.subs))
	}

	if _, held := sub.consumers[consumer]; held {
		return len(sub.consumers)
	}
	sub.consumers[consumer] = struct{}{}

	if len(sub.consumers) == 1 && m.live {
		m.subscribeLocked(sub)
	}
	return len(sub.consumers)
}

// -----------------------------------------------------------------------------

// Release drops consumer's reference. The last release cancels the upstream
// stream and removes the subscription. Releasing a symbol the consumer does
// not hold is a no-op and returns false.
func (m *Multiplexer) Release(symbol, consumer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[symbol]
	if !ok {
		return false
	}
	if _, held := sub.consumers[consumer]; !held {
		return false
	}
	delete(sub.consumers, consumer)
	if len(sub.consumers) > 0 {
		return true
	}

	sub.state = SubCancelling
	if sub.handle != 0 {
		delete(m.byHandle, sub.handle)
		if m.live && sub.session == m.session {
			m.upstream.Unsubscribe(sub.handle)
		}
	}
	delete(m.subs, symbol)
	m.metrics.SetSubscriptions(len(m.subs))
	m.Logger.Debug("Released last reference to %s", symbol)
	return true
}

// -----------------------------------------------------------------------------

// OnConnected replays every referenced symbol not yet subscribed on session.
// Reference counts are untouched. Returns the number of replayed symbols.
func (m *Multiplexer) OnConnected(session uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = session
	m.live = true

	replayed := 0
	for _, symbol := range m.sortedSymbolsLocked() {
		sub := m.subs[symbol]
		if len(sub.consumers) == 0 || sub.session == session {
			continue
		}
		m.subscribeLocked(sub)
		replayed++
	}
	if replayed > 0 {
		m.Logger.Info("Replayed %d subscription(s) on gateway session %d", replayed, session)
	}
	return replayed
}

// RetryPending re-requests referenced symbols whose subscribe failed on the
// current session. It is a no-op while the upstream is down.
func (m *Multiplexer) RetryPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.live {
		return 0
	}
	retried := 0
	for _, symbol := range m.sortedSymbolsLocked() {
		sub := m.subs[symbol]
		if len(sub.consumers) == 0 || sub.handle != 0 {
			continue
		}
		m.subscribeLocked(sub)
		if sub.handle != 0 {
			retried++
		}
	}
	if retried > 0 {
		m.Logger.Info("Resubscribed %d pending symbol(s) on gateway session %d", retried, m.session)
	}
	return retried
}

// -----------------------------------------------------------------------------

// OnDisconnected marks every subscription Pending. Handles from the lost
// session are forgotten; reference counts are preserved.
func (m *Multiplexer) OnDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.live = false
	for _, sub := range m.subs {
		sub.state = SubPending
		sub.handle = 0
		sub.session = 0
	}
	m.byHandle = make(map[int64]string)
}

// -----------------------------------------------------------------------------

// Confirm records a tick arriving on handle for symbol, promoting the
// subscription to Active. It returns false for handles that no longer belong
// to a live subscription; such ticks should be dropped.
func (m *Multiplexer) Confirm(handle int64, symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.byHandle[handle]
	if !ok || owner != symbol {
		return false
	}
	m.subs[symbol].state = SubActive
	return true
}

// Resolve maps a live upstream handle back to its symbol.
func (m *Multiplexer) Resolve(handle int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbol, ok := m.byHandle[handle]
	return symbol, ok
}

// -----------------------------------------------------------------------------

func (m *Multiplexer) RefCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[symbol]; ok {
		return len(sub.consumers)
	}
	return 0
}

func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// -----------------------------------------------------------------------------

// Snapshot returns a read-only view of every subscription, sorted by symbol.
func (m *Multiplexer) Snapshot() []models.MSubscriptionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.MSubscriptionInfo, 0, len(m.subs))
	for _, symbol := range m.sortedSymbolsLocked() {
		sub := m.subs[symbol]
		consumers := make([]string, 0, len(sub.consumers))
		for c := range sub.consumers {
			consumers = append(consumers, c)
		}
		sort.Strings(consumers)

		out = append(out, models.MSubscriptionInfo{
			Symbol:    symbol,
			Handle:    sub.handle,
			State:     sub.state.String(),
			RefCount:  len(sub.consumers),
			Consumers: consumers,
		})
	}
	return out
}

// -----------------------------------------------------------------------------

func (m *Multiplexer) subscribeLocked(sub *subscription) {
	handle, err := m.upstream.Subscribe(sub.symbol)
	if err != nil {
		// stays Pending until RetryPending or the next session
		m.Logger.Warning("Upstream subscribe for %s failed: %v", sub.symbol, err)
		sub.state = SubPending
		sub.handle = 0
		sub.session = 0
		return
	}

	sub.handle = handle
	sub.session = m.session
	sub.state = SubPending
	m.byHandle[handle] = sub.symbol
}

func (m *Multiplexer) sortedSymbolsLocked() []string {
	symbols := make([]string, 0, len(m.subs))
	for s := range m.subs {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
