package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"market-relay/src/alerts"
	"market-relay/src/config"
	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/metrics"
	"market-relay/src/models"
	"market-relay/src/multiplexer"
	"market-relay/src/utils"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// fakeGateway
// -----------------------------------------------------------------------------

type fakeGateway struct {
	mu           sync.Mutex
	next         int64
	handles      map[string]int64
	unsubscribed []int64
	connected    bool
	state        string
	bars         []models.MBar

	events chan models.MGatewayEvent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		handles:   make(map[string]int64),
		connected: true,
		events:    make(chan models.MGatewayEvent, 64),
	}
}

func (f *fakeGateway) Subscribe(symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0, helpers.ErrNotConnected
	}
	f.next++
	f.handles[symbol] = f.next
	return f.next, nil
}

func (f *fakeGateway) Unsubscribe(handle int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, handle)
	for s, h := range f.handles {
		if h == handle {
			delete(f.handles, s)
		}
	}
}

func (f *fakeGateway) RequestHistorical(ctx context.Context, symbol string, query models.MHistoricalQuery) ([]models.MBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bars, nil
}

func (f *fakeGateway) RequestContractDetails(ctx context.Context, symbol string) ([]models.MContractDetails, error) {
	return []models.MContractDetails{{Symbol: symbol, ConID: 42, SecType: "STK"}}, nil
}

func (f *fakeGateway) Events() <-chan models.MGatewayEvent { return f.events }

func (f *fakeGateway) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != "" {
		return f.state
	}
	if f.connected {
		return "connected"
	}
	return "disconnected"
}

func (f *fakeGateway) setState(state string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	f.connected = connected
}

func (f *fakeGateway) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeGateway) handle(symbol string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[symbol]
	return h, ok
}

func (f *fakeGateway) unsubscribedHandles() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.unsubscribed...)
}

// -----------------------------------------------------------------------------
// test relay
// -----------------------------------------------------------------------------

type testRelay struct {
	hub    *Hub
	gw     *fakeGateway
	mux    *multiplexer.Multiplexer
	alerts *alerts.Engine
	server *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	cfg := config.Default().MConfig
	cfg.Alerts.SweepIntervalSeconds = 3600

	l := logger.NewLogger(nil, "hub-test")
	gw := newFakeGateway()
	mux := multiplexer.New(gw, l, nil)
	engine := alerts.NewEngine(10, time.Hour, l)
	hub := NewHub(cfg, Deps{
		Gateway:   gw,
		Mux:       mux,
		Alerts:    engine,
		Metrics:   metrics.New("relay_test"),
		Scheduler: utils.NewMarketScheduler(nil, l),
	}, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	gw.events <- models.MConnectedEvent{Session: 1, At: time.Now()}

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})

	return &testRelay{hub: hub, gw: gw, mux: mux, alerts: engine, server: srv}
}

func (r *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	hello := readType(t, conn, models.MsgConnected)
	if hello["clientId"] == "" {
		t.Fatalf("handshake without client id: %v", hello)
	}
	return conn
}

// waitHandle blocks until the gateway has an open stream for symbol.
func (r *testRelay) waitHandle(t *testing.T, symbol string) int64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h, ok := r.gw.handle(symbol); ok {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no upstream subscription for %s", symbol)
	return 0
}

func (r *testRelay) tick(t *testing.T, symbol string, field models.MTickField, value float64) {
	t.Helper()
	handle := r.waitHandle(t, symbol)
	r.gw.events <- models.MTickEvent{
		Handle: handle,
		Tick:   models.MTick{Symbol: symbol, Field: field, Value: value, Timestamp: time.Now().UnixMilli()},
	}
}

func send(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, symbols ...string) {
	t.Helper()
	send(t, conn, map[string]interface{}{"type": "subscribe", "symbols": symbols})
	readType(t, conn, models.MsgSubscribed)
}

// readType returns the next message of the given type, skipping others.
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]interface{} {
	t.Helper()
	for {
		msg := readNext(t, conn)
		if msg["type"] == typ {
			return msg
		}
	}
}

// readNext returns the next message, ignoring gateway status notices.
func readNext(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	for {
		if msg := readRaw(t, conn); msg["type"] != models.MsgGatewayStatus {
			return msg
		}
	}
}

func readRaw(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readStatus returns the next gateway status notice reporting state.
func readStatus(t *testing.T, conn *websocket.Conn, state string) map[string]interface{} {
	t.Helper()
	for {
		msg := readRaw(t, conn)
		if msg["type"] == models.MsgGatewayStatus && msg["state"] == state {
			return msg
		}
	}
}

// onLoop runs fn on the hub loop and waits for it.
func (r *testRelay) onLoop(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if !r.hub.exec(func() { fn(); close(done) }) {
		t.Fatal("hub stopped")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the hub loop")
	}
}

// counter returns the value of a counter sample, matching one label pair when
// label is set.
func counter(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, sample := range mf.GetMetric() {
			if label == "" {
				return sample.GetCounter().GetValue()
			}
			for _, lp := range sample.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return sample.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestHubRelaysTickToSubscriber(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)

	subscribe(t, conn, "xyz")
	r.tick(t, "XYZ", models.FieldLast, 1.2345)

	msg := readType(t, conn, models.MsgMarketData)
	if msg["symbol"] != "XYZ" {
		t.Fatalf("symbol = %v, want XYZ", msg["symbol"])
	}
	data := msg["data"].(map[string]interface{})
	if data["price"] != 1.2345 {
		t.Errorf("price = %v, want 1.2345", data["price"])
	}
	if got := counter(t, r.hub.metrics, "relay_test_ticks_total", "field", "last"); got != 1 {
		t.Errorf("ticks_total{field=last} = %v, want 1", got)
	}
}

func TestHubFiltersBySubscription(t *testing.T) {
	r := newTestRelay(t)
	a := r.dial(t)
	b := r.dial(t)

	subscribe(t, a, "AAPL")
	subscribe(t, b, "TSLA")

	r.tick(t, "AAPL", models.FieldLast, 190.5)
	r.tick(t, "TSLA", models.FieldLast, 250.25)

	if got := readType(t, a, models.MsgMarketData)["symbol"]; got != "AAPL" {
		t.Errorf("client A got %v, want AAPL", got)
	}
	// the AAPL update must not have reached B before its own TSLA update
	if got := readType(t, b, models.MsgMarketData)["symbol"]; got != "TSLA" {
		t.Errorf("client B got %v, want TSLA", got)
	}
}

func TestHubSubscribeSendsCachedSnapshot(t *testing.T) {
	r := newTestRelay(t)
	a := r.dial(t)
	subscribe(t, a, "XYZ")
	r.tick(t, "XYZ", models.FieldBid, 9.5)
	readType(t, a, models.MsgMarketData)

	b := r.dial(t)
	send(t, b, map[string]interface{}{"type": "subscribe", "symbols": []string{"XYZ"}})
	readType(t, b, models.MsgSubscribed)
	msg := readType(t, b, models.MsgMarketData)
	if msg["data"].(map[string]interface{})["bid"] != 9.5 {
		t.Errorf("cached snapshot = %v", msg["data"])
	}
}

func TestHubSharedSubscriptionSurvivesOneDisconnect(t *testing.T) {
	r := newTestRelay(t)
	a := r.dial(t)
	b := r.dial(t)

	subscribe(t, a, "XYZ")
	subscribe(t, b, "XYZ")
	handle := r.waitHandle(t, "XYZ")

	a.Close()
	waitFor(t, "refcount 1", func() bool { return r.mux.RefCount("XYZ") == 1 })
	if got := r.gw.unsubscribedHandles(); len(got) != 0 {
		t.Fatalf("upstream unsubscribed %v while a client still holds XYZ", got)
	}

	// B keeps receiving
	r.tick(t, "XYZ", models.FieldLast, 3.21)
	readType(t, b, models.MsgMarketData)

	b.Close()
	waitFor(t, "upstream unsubscribe", func() bool {
		got := r.gw.unsubscribedHandles()
		return len(got) == 1 && got[0] == handle
	})
	if r.mux.RefCount("XYZ") != 0 {
		t.Errorf("refcount after last disconnect = %d", r.mux.RefCount("XYZ"))
	}
}

func TestHubUnsubscribe(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)
	subscribe(t, conn, "AAPL", "MSFT")

	send(t, conn, map[string]interface{}{"type": "unsubscribe", "symbols": []string{"aapl", "NFLX"}})
	msg := readType(t, conn, models.MsgUnsubscribed)
	symbols := msg["symbols"].([]interface{})
	if len(symbols) != 1 || symbols[0] != "AAPL" {
		t.Errorf("unsubscribed = %v, want [AAPL]", symbols)
	}
	if r.mux.RefCount("AAPL") != 0 || r.mux.RefCount("MSFT") != 1 {
		t.Errorf("refcounts AAPL=%d MSFT=%d", r.mux.RefCount("AAPL"), r.mux.RefCount("MSFT"))
	}
}

func TestHubAlertTriggerIsBroadcast(t *testing.T) {
	r := newTestRelay(t)
	a := r.dial(t)
	b := r.dial(t)

	send(t, a, map[string]interface{}{
		"type":  "createAlert",
		"alert": map[string]interface{}{"symbol": "XYZ", "type": "price_above", "threshold": 2.0},
	})
	created := readType(t, a, models.MsgAlertCreated)
	readType(t, b, models.MsgAlertCreated)
	id := created["alert"].(map[string]interface{})["id"].(string)

	subscribe(t, a, "XYZ")
	r.tick(t, "XYZ", models.FieldLast, 1.99)
	r.tick(t, "XYZ", models.FieldLast, 2.01)

	// B holds no subscription but still sees the trigger
	trig := readType(t, b, models.MsgAlertTriggered)
	if trig["symbol"] != "XYZ" {
		t.Errorf("trigger symbol = %v", trig["symbol"])
	}
	alert := trig["alert"].(map[string]interface{})
	if alert["id"] != id || alert["triggered"] != true {
		t.Errorf("trigger alert = %v", alert)
	}
	if trig["data"].(map[string]interface{})["price"] != 2.01 {
		t.Errorf("trigger snapshot = %v", trig["data"])
	}

	if _, err := r.hub.ResetAlert(id); err != nil {
		t.Fatalf("ResetAlert: %v", err)
	}
	updated := readType(t, b, models.MsgAlertUpdated)
	if updated["alert"].(map[string]interface{})["triggered"] != false {
		t.Errorf("reset alert still triggered: %v", updated)
	}
}

func TestHubAlertCommandErrors(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)

	tests := []struct {
		name string
		cmd  map[string]interface{}
		want string
	}{
		{"unknown kind", map[string]interface{}{"type": "createAlert", "alert": map[string]interface{}{"symbol": "XYZ", "type": "moon"}}, "unknown alert type"},
		{"missing alert", map[string]interface{}{"type": "createAlert"}, "requires an alert"},
		{"delete unknown", map[string]interface{}{"type": "deleteAlert", "id": "nope"}, "not found"},
		{"toggle without flag", map[string]interface{}{"type": "toggleAlert", "id": "nope"}, "requires 'enabled'"},
		{"unknown command", map[string]interface{}{"type": "dance"}, "unknown command type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.cmd)
			msg := readType(t, conn, models.MsgError)
			if !strings.Contains(msg["message"].(string), tt.want) {
				t.Errorf("error = %q, want it to contain %q", msg["message"], tt.want)
			}
		})
	}
}

func TestHubPing(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)

	send(t, conn, map[string]interface{}{"type": "ping"})
	msg := readNext(t, conn)
	if msg["type"] != models.MsgPong {
		t.Fatalf("got %v, want pong", msg["type"])
	}
	if ts, _ := msg["timestamp"].(float64); ts <= 0 {
		t.Errorf("pong without timestamp: %v", msg)
	}
}

func TestHubMalformedMessageClosesSession(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)
	subscribe(t, conn, "XYZ")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msg := readType(t, conn, models.MsgError)
	if !strings.Contains(msg["message"].(string), "malformed") {
		t.Errorf("error = %v", msg["message"])
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("read error = %v, want normal close", err)
			}
			break
		}
	}
	waitFor(t, "symbol release", func() bool { return r.mux.RefCount("XYZ") == 0 })
}

func TestHubHistoricalReplyGoesToRequesterOnly(t *testing.T) {
	r := newTestRelay(t)
	r.gw.mu.Lock()
	r.gw.bars = []models.MBar{
		{Time: 1700000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Time: 1700000060, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 80},
	}
	r.gw.mu.Unlock()
	a := r.dial(t)
	b := r.dial(t)

	send(t, a, map[string]interface{}{"type": "getHistorical", "symbol": "xyz", "requestId": "r1"})
	msg := readType(t, a, models.MsgHistoricalData)
	if msg["requestId"] != "r1" || msg["symbol"] != "XYZ" {
		t.Errorf("reply = %v", msg)
	}
	if bars := msg["bars"].([]interface{}); len(bars) != 2 {
		t.Errorf("bars = %d, want 2", len(bars))
	}

	send(t, b, map[string]interface{}{"type": "ping"})
	if got := readNext(t, b)["type"]; got != models.MsgPong {
		t.Errorf("client B got %v before its pong", got)
	}

	send(t, a, map[string]interface{}{"type": "getContract", "symbol": "XYZ", "requestId": "r2"})
	details := readType(t, a, models.MsgContractDetails)["details"].([]interface{})
	if len(details) != 1 || details[0].(map[string]interface{})["conId"] != float64(42) {
		t.Errorf("details = %v", details)
	}
}

func TestHubGatewayErrorRoutedToHolders(t *testing.T) {
	r := newTestRelay(t)
	a := r.dial(t)
	b := r.dial(t)
	subscribe(t, a, "XYZ")
	subscribe(t, b, "AAPL")
	handle := r.waitHandle(t, "XYZ")

	r.gw.events <- models.MGatewayErrorEvent{Handle: handle, Code: 200, Message: "No security definition"}

	msg := readType(t, a, models.MsgError)
	if msg["symbol"] != "XYZ" || msg["code"] != float64(200) {
		t.Errorf("error = %v", msg)
	}
	if got := counter(t, r.hub.metrics, "relay_test_gateway_errors_total", "code", "200"); got != 1 {
		t.Errorf("gateway_errors_total{code=200} = %v, want 1", got)
	}

	send(t, b, map[string]interface{}{"type": "ping"})
	if got := readNext(t, b)["type"]; got != models.MsgPong {
		t.Errorf("client B got %v, want pong", got)
	}
}

func TestHubSubscribeDeduplicatesSymbols(t *testing.T) {
	r := newTestRelay(t)
	a := r.dial(t)
	subscribe(t, a, "XYZ")
	r.tick(t, "XYZ", models.FieldLast, 4.2)
	readType(t, a, models.MsgMarketData)

	b := r.dial(t)
	send(t, b, map[string]interface{}{"type": "subscribe", "symbols": []string{"XYZ", "xyz", " Xyz "}})
	msg := readType(t, b, models.MsgSubscribed)
	if symbols := msg["symbols"].([]interface{}); len(symbols) != 1 || symbols[0] != "XYZ" {
		t.Errorf("subscribed = %v, want [XYZ]", symbols)
	}
	if got := readNext(t, b)["type"]; got != models.MsgMarketData {
		t.Fatalf("got %v, want the cached snapshot", got)
	}

	// exactly one cached snapshot precedes the pong
	send(t, b, map[string]interface{}{"type": "ping"})
	if got := readNext(t, b)["type"]; got != models.MsgPong {
		t.Errorf("got %v, want pong", got)
	}
	if n := r.mux.RefCount("XYZ"); n != 2 {
		t.Errorf("refcount = %d, want 2", n)
	}
}

func TestHubBroadcastsGatewayStatus(t *testing.T) {
	r := newTestRelay(t)
	a := r.dial(t)
	b := r.dial(t)

	steps := []struct {
		state     string
		connected bool
		event     models.MGatewayEvent
	}{
		{"disconnected", false, models.MDisconnectedEvent{Session: 1}},
		{"connected", true, models.MConnectedEvent{Session: 2, At: time.Now()}},
		{"exhausted", false, models.MExhaustedEvent{Attempts: 3}},
	}
	for _, step := range steps {
		r.gw.setState(step.state, step.connected)
		r.gw.events <- step.event

		for _, conn := range []*websocket.Conn{a, b} {
			msg := readStatus(t, conn, step.state)
			if msg["connected"] != step.connected {
				t.Errorf("%s notice connected = %v, want %v", step.state, msg["connected"], step.connected)
			}
			if ts, _ := msg["timestamp"].(float64); ts <= 0 {
				t.Errorf("%s notice without timestamp", step.state)
			}
		}
	}

	var status models.MRelayStatus
	getJSON(t, r.server.URL+"/api/status", &status)
	if status.Status != "exhausted" || status.GatewayState != "exhausted" {
		t.Errorf("status after exhaustion = %+v", status)
	}
}

func TestHubResumesTicksAfterReconnect(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)
	subscribe(t, conn, "XYZ")
	stale := r.waitHandle(t, "XYZ")

	r.gw.setState("", false)
	r.gw.events <- models.MDisconnectedEvent{Session: 1}
	readStatus(t, conn, "disconnected")

	r.gw.setState("", true)
	r.gw.events <- models.MConnectedEvent{Session: 2, At: time.Now()}
	readStatus(t, conn, "connected")

	var fresh int64
	waitFor(t, "replayed subscription", func() bool {
		h, ok := r.gw.handle("XYZ")
		fresh = h
		return ok && h != stale
	})

	r.gw.events <- models.MTickEvent{Handle: stale, Tick: models.MTick{Symbol: "XYZ", Field: models.FieldLast, Value: 1}}
	r.gw.events <- models.MTickEvent{Handle: fresh, Tick: models.MTick{Symbol: "XYZ", Field: models.FieldLast, Value: 2}}

	msg := readType(t, conn, models.MsgMarketData)
	if price := msg["data"].(map[string]interface{})["price"]; price != float64(2) {
		t.Errorf("first update after reconnect has price %v, want 2 from the replayed handle", price)
	}
	if n := r.mux.RefCount("XYZ"); n != 1 {
		t.Errorf("refcount across reconnect = %d, want 1", n)
	}
	if got := r.gw.unsubscribedHandles(); len(got) != 0 {
		t.Errorf("cancelled %v across a reconnect", got)
	}
}

func TestHubEvictsSlowClientAndReleasesSymbols(t *testing.T) {
	r := newTestRelay(t)
	watcher := r.dial(t)
	subscribe(t, watcher, "XYZ")
	handle := r.waitHandle(t, "XYZ")

	// no write pump drains this client; the handshake fills its buffer
	slow := &Client{
		id:      "slow-client",
		hub:     r.hub,
		send:    make(chan interface{}, 1),
		symbols: make(map[string]struct{}),
	}
	r.onLoop(t, func() {
		r.hub.addClient(slow)
		r.hub.acquire("XYZ", slow)
	})
	if n := r.mux.RefCount("XYZ"); n != 2 {
		t.Fatalf("refcount = %d, want 2", n)
	}

	r.tick(t, "XYZ", models.FieldLast, 7.5)
	readType(t, watcher, models.MsgMarketData)

	waitFor(t, "slow client release", func() bool { return r.mux.RefCount("XYZ") == 1 })
	if got := counter(t, r.hub.metrics, "relay_test_dropped_clients_total", "", ""); got != 1 {
		t.Errorf("dropped_clients_total = %v, want 1", got)
	}
	if got := r.gw.unsubscribedHandles(); len(got) != 0 {
		t.Fatalf("upstream unsubscribed %v while the watcher holds XYZ", got)
	}

	watcher.Close()
	waitFor(t, "upstream unsubscribe", func() bool {
		got := r.gw.unsubscribedHandles()
		return len(got) == 1 && got[0] == handle
	})
}

func TestHubSweepBroadcastsExpiredAlerts(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)

	now := time.Now()
	r.alerts.Load([]models.MAlertRule{
		{ID: "expired", Symbol: "XYZ", Kind: models.AlertPriceAbove, Threshold: 1, Enabled: true,
			Triggered: true, CreatedAt: now.Add(-3 * time.Hour).UnixMilli(), TriggeredAt: now.Add(-2 * time.Hour).UnixMilli()},
		{ID: "recent", Symbol: "XYZ", Kind: models.AlertPriceAbove, Threshold: 1, Enabled: true,
			Triggered: true, CreatedAt: now.UnixMilli(), TriggeredAt: now.UnixMilli()},
		{ID: "armed", Symbol: "XYZ", Kind: models.AlertPriceBelow, Threshold: 1, Enabled: true,
			CreatedAt: now.Add(-3 * time.Hour).UnixMilli()},
	})

	r.onLoop(t, r.hub.sweepAlerts)

	msg := readType(t, conn, models.MsgAlertDeleted)
	if msg["id"] != "expired" {
		t.Errorf("deleted id = %v, want expired", msg["id"])
	}
	if n := r.alerts.Count(); n != 2 {
		t.Errorf("rules after sweep = %d, want 2", n)
	}

	send(t, conn, map[string]interface{}{"type": "ping"})
	if got := readNext(t, conn)["type"]; got != models.MsgPong {
		t.Errorf("got %v after the sweep, want pong", got)
	}
}

// -----------------------------------------------------------------------------
// HTTP
// -----------------------------------------------------------------------------

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestHTTPStatusAndSnapshots(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)
	subscribe(t, conn, "XYZ")
	r.tick(t, "XYZ", models.FieldLast, 1.2345)
	readType(t, conn, models.MsgMarketData)

	var status models.MRelayStatus
	if code := getJSON(t, r.server.URL+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Status != "ok" || status.ActiveSubscriptions != 1 || status.ConnectedClients != 1 || status.CachedSnapshots != 1 {
		t.Errorf("status = %+v", status)
	}

	var snap models.MSnapshot
	if code := getJSON(t, r.server.URL+"/api/snapshots/xyz", &snap); code != http.StatusOK || snap.Price != 1.2345 {
		t.Errorf("snapshot = %d %+v", code, snap)
	}
	var view map[string]interface{}
	getJSON(t, r.server.URL+"/api/snapshots/XYZ", &view)
	if _, ok := view["marketOpen"].(bool); !ok {
		t.Errorf("snapshot view without marketOpen: %v", view)
	}
	if code := getJSON(t, r.server.URL+"/api/snapshots/QQQ", nil); code != http.StatusNotFound {
		t.Errorf("missing snapshot code = %d, want 404", code)
	}
	if code := getJSON(t, r.server.URL+"/api/snapshots/bad$sym", nil); code != http.StatusBadRequest {
		t.Errorf("invalid symbol code = %d, want 400", code)
	}

	var subs []models.MSubscriptionInfo
	getJSON(t, r.server.URL+"/api/subscriptions", &subs)
	if len(subs) != 1 || subs[0].Symbol != "XYZ" || subs[0].State != "active" {
		t.Errorf("subscriptions = %+v", subs)
	}

	resp, err := http.Get(r.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "relay_test_ticks_total") {
		t.Errorf("metrics output missing tick counter")
	}
}

func TestHTTPStatusDegradedWhenGatewayDown(t *testing.T) {
	r := newTestRelay(t)
	r.gw.mu.Lock()
	r.gw.connected = false
	r.gw.mu.Unlock()

	var status models.MRelayStatus
	getJSON(t, r.server.URL+"/api/status", &status)
	if status.Status != "degraded" || status.UpstreamConnected {
		t.Errorf("status = %+v", status)
	}
}

func TestHTTPSignals(t *testing.T) {
	r := newTestRelay(t)
	conn := r.dial(t)

	rule, err := r.alerts.Create(models.MAlertRequest{Symbol: "XYZ", Kind: "pattern"})
	if err != nil {
		t.Fatal(err)
	}

	post := func(body string) (int, map[string]interface{}) {
		resp, err := http.Post(r.server.URL+"/api/signals", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	code, out := post(`{"symbol":"xyz","type":"pattern","message":"double bottom"}`)
	if code != http.StatusOK {
		t.Fatalf("code = %d (%v)", code, out)
	}
	if fired := out["triggered"].([]interface{}); len(fired) != 1 {
		t.Fatalf("triggered = %v", fired)
	}

	trig := readType(t, conn, models.MsgAlertTriggered)
	if trig["message"] != "double bottom" || trig["alert"].(map[string]interface{})["id"] != rule.ID {
		t.Errorf("trigger = %v", trig)
	}

	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"symbol":"XYZ","type":"moon"}`},
		{"market kind", `{"symbol":"XYZ","type":"price_above"}`},
		{"bad symbol", `{"symbol":"???","type":"ai_signal"}`},
		{"missing fields", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := post(tt.body); code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400", code)
			}
		})
	}
}
