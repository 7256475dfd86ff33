package multiplexer

import (
	"fmt"
	"sync"
	"testing"

	"market-relay/src/helpers"
	"market-relay/src/logger"
)

// fakeUpstream records subscribe/unsubscribe calls.
type fakeUpstream struct {
	mu           sync.Mutex
	connected    bool
	nextHandle   int64
	subscribes   map[string]int
	unsubscribes []int64
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{connected: true, subscribes: make(map[string]int)}
}

func (f *fakeUpstream) Subscribe(symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0, helpers.ErrNotConnected
	}
	f.nextHandle++
	f.subscribes[symbol]++
	return f.nextHandle, nil
}

func (f *fakeUpstream) Unsubscribe(handle int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, handle)
}

func (f *fakeUpstream) subscribeCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[symbol]
}

func (f *fakeUpstream) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribes)
}

func newLiveMux(t *testing.T) (*Multiplexer, *fakeUpstream) {
	t.Helper()
	up := newFakeUpstream()
	m := New(up, logger.NewLogger(nil, "MuxTest"), nil)
	m.OnConnected(1)
	return m, up
}

// -----------------------------------------------------------------------------

func TestAcquireReleaseRefCounting(t *testing.T) {
	m, up := newLiveMux(t)

	if n := m.Acquire("XYZ", "c1"); n != 1 {
		t.Fatalf("first Acquire refcount = %d, want 1", n)
	}
	if n := m.Acquire("XYZ", "c2"); n != 2 {
		t.Fatalf("second Acquire refcount = %d, want 2", n)
	}
	if n := m.Acquire("XYZ", "c2"); n != 2 {
		t.Errorf("repeated Acquire by same consumer refcount = %d, want 2", n)
	}
	if got := up.subscribeCount("XYZ"); got != 1 {
		t.Fatalf("upstream subscribes = %d, want 1", got)
	}

	// c1 disconnects: symbol stays subscribed for c2
	m.Release("XYZ", "c1")
	if got := m.RefCount("XYZ"); got != 1 {
		t.Errorf("RefCount after one release = %d, want 1", got)
	}
	if up.unsubscribeCount() != 0 {
		t.Errorf("upstream unsubscribed while a consumer remains")
	}

	m.Release("XYZ", "c2")
	if got := m.RefCount("XYZ"); got != 0 {
		t.Errorf("RefCount after last release = %d, want 0", got)
	}
	if up.unsubscribeCount() != 1 {
		t.Errorf("upstream unsubscribes = %d, want 1", up.unsubscribeCount())
	}
	if m.Count() != 0 {
		t.Errorf("subscription entry not removed")
	}
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	m, up := newLiveMux(t)
	m.Acquire("AAPL", "c1")

	if m.Release("AAPL", "stranger") {
		t.Error("Release by non-holder returned true")
	}
	if m.Release("TSLA", "c1") {
		t.Error("Release of unknown symbol returned true")
	}
	if !m.Release("AAPL", "c1") {
		t.Error("Release by holder returned false")
	}
	if m.Release("AAPL", "c1") {
		t.Error("double Release returned true")
	}
	if up.unsubscribeCount() != 1 {
		t.Errorf("upstream unsubscribes = %d, want 1", up.unsubscribeCount())
	}
}

func TestConcurrentAcquireCoalesces(t *testing.T) {
	m, up := newLiveMux(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Acquire("TSLA", fmt.Sprintf("client-%d", i))
		}(i)
	}
	wg.Wait()

	if got := up.subscribeCount("TSLA"); got != 1 {
		t.Errorf("upstream subscribes = %d, want 1", got)
	}
	if got := m.RefCount("TSLA"); got != 50 {
		t.Errorf("RefCount = %d, want 50", got)
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Release("TSLA", fmt.Sprintf("client-%d", i))
		}(i)
	}
	wg.Wait()

	if up.unsubscribeCount() != 1 {
		t.Errorf("upstream unsubscribes = %d, want 1", up.unsubscribeCount())
	}
}

func TestReconnectReplaysEachSymbolOnce(t *testing.T) {
	m, up := newLiveMux(t)
	m.Acquire("AAPL", "c1")
	m.Acquire("AAPL", "c2")
	m.Acquire("TSLA", "c1")

	m.OnDisconnected()
	for _, info := range m.Snapshot() {
		if info.State != "pending" || info.Handle != 0 {
			t.Errorf("%s after disconnect = %+v, want pending without handle", info.Symbol, info)
		}
	}
	if m.RefCount("AAPL") != 2 {
		t.Errorf("refcount lost across outage")
	}

	if n := m.OnConnected(2); n != 2 {
		t.Errorf("OnConnected replayed %d symbols, want 2", n)
	}
	if up.subscribeCount("AAPL") != 2 || up.subscribeCount("TSLA") != 2 {
		t.Errorf("subscribes after replay = %v, want 2 each", up.subscribes)
	}

	// a duplicate Connected for the same session must not replay again
	if n := m.OnConnected(2); n != 0 {
		t.Errorf("second OnConnected replayed %d symbols, want 0", n)
	}
	if m.RefCount("AAPL") != 2 || m.RefCount("TSLA") != 1 {
		t.Errorf("replay changed reference counts")
	}
}

func TestAcquireWhileDisconnectedWaitsForReplay(t *testing.T) {
	up := newFakeUpstream()
	m := New(up, logger.NewLogger(nil, "MuxTest"), nil)

	m.Acquire("XYZ", "c1")
	if up.subscribeCount("XYZ") != 0 {
		t.Fatal("subscribed upstream before any session")
	}

	m.OnConnected(1)
	if up.subscribeCount("XYZ") != 1 {
		t.Fatalf("pending symbol not replayed on connect")
	}
}

func TestFailedSubscribeStaysPending(t *testing.T) {
	m, up := newLiveMux(t)
	up.mu.Lock()
	up.connected = false
	up.mu.Unlock()

	m.Acquire("XYZ", "c1")
	info := m.Snapshot()
	if len(info) != 1 || info[0].State != "pending" || info[0].Handle != 0 {
		t.Fatalf("snapshot = %+v", info)
	}

	up.mu.Lock()
	up.connected = true
	up.mu.Unlock()
	m.OnDisconnected()
	m.OnConnected(2)
	if up.subscribeCount("XYZ") != 1 {
		t.Errorf("failed subscribe was not replayed")
	}
}

func TestConfirmPromotesAndRejectsStaleHandles(t *testing.T) {
	m, _ := newLiveMux(t)
	m.Acquire("XYZ", "c1")
	handle := m.Snapshot()[0].Handle

	if !m.Confirm(handle, "XYZ") {
		t.Fatal("Confirm on live handle = false")
	}
	if state := m.Snapshot()[0].State; state != "active" {
		t.Errorf("state = %s, want active", state)
	}
	if symbol, ok := m.Resolve(handle); !ok || symbol != "XYZ" {
		t.Errorf("Resolve(%d) = %q, %v", handle, symbol, ok)
	}
	if m.Confirm(handle, "AAPL") {
		t.Error("Confirm accepted a symbol mismatch")
	}

	m.OnDisconnected()
	if m.Confirm(handle, "XYZ") {
		t.Error("Confirm accepted a handle from a lost session")
	}
	if _, ok := m.Resolve(handle); ok {
		t.Error("Resolve kept a handle from a lost session")
	}
}

func TestReleaseAfterDisconnectSkipsUpstream(t *testing.T) {
	m, up := newLiveMux(t)
	m.Acquire("XYZ", "c1")
	m.OnDisconnected()

	m.Release("XYZ", "c1")
	if up.unsubscribeCount() != 0 {
		t.Errorf("unsubscribed a handle from a lost session")
	}
	m.OnConnected(2)
	if up.subscribeCount("XYZ") != 1 {
		t.Errorf("released symbol was replayed")
	}
}

func TestRetryPendingResubscribesFailedSymbols(t *testing.T) {
	m, up := newLiveMux(t)
	up.mu.Lock()
	up.connected = false
	up.mu.Unlock()

	m.Acquire("XYZ", "c1")
	m.Acquire("AAPL", "c1")
	if n := m.RetryPending(); n != 0 {
		t.Errorf("RetryPending() with upstream still failing = %d, want 0", n)
	}

	up.mu.Lock()
	up.connected = true
	up.mu.Unlock()

	if n := m.RetryPending(); n != 2 {
		t.Fatalf("RetryPending() = %d, want 2", n)
	}
	for _, info := range m.Snapshot() {
		if info.Handle == 0 {
			t.Errorf("%s still has no handle after retry", info.Symbol)
		}
	}
	if n := m.RetryPending(); n != 0 {
		t.Errorf("second RetryPending() = %d, want 0", n)
	}
	if up.subscribeCount("XYZ") != 1 || up.subscribeCount("AAPL") != 1 {
		t.Errorf("subscribes = %v, want one each", up.subscribes)
	}

	m.OnDisconnected()
	if n := m.RetryPending(); n != 0 {
		t.Errorf("RetryPending() while disconnected = %d, want 0", n)
	}
}
