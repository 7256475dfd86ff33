package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"market-relay/src/alerts"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/metrics"
	"market-relay/src/models"
	"market-relay/src/multiplexer"
	"market-relay/src/sinks"
	"market-relay/src/utils"

	"github.com/gin-gonic/gin"
)

// WatchlistConsumer holds the symbols configured in the watchlist.
const WatchlistConsumer = "watchlist"

// pendingRetryInterval paces resubscribes of symbols whose subscribe failed on
// a live session.
const pendingRetryInterval = 5 * time.Second

// -----------------------------------------------------------------------------
// Hub
// -----------------------------------------------------------------------------

// Deps are the collaborators the hub drives. Sinks, Metrics and Scheduler may
// be nil.
type Deps struct {
	Gateway   interfaces.IGateway
	Mux       *multiplexer.Multiplexer
	Alerts    *alerts.Engine
	Sinks     *sinks.Dispatcher
	Metrics   *metrics.Metrics
	Scheduler *utils.MarketScheduler
}

// Hub terminates client connections and fans market data out to them. All
// client bookkeeping and snapshot folding happen on the Run goroutine;
// snapshots are additionally guarded by stateMutex for HTTP readers.
type Hub struct {
	Config *models.MConfig
	Logger *logger.Logger
	engine *gin.Engine

	gateway   interfaces.IGateway
	mux       *multiplexer.Multiplexer
	alerts    *alerts.Engine
	sinks     *sinks.Dispatcher
	metrics   *metrics.Metrics
	scheduler *utils.MarketScheduler

	// loop-owned
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	actions    chan func()
	done       chan struct{}
	stopOnce   sync.Once

	// Local cache
	stateMutex  sync.RWMutex
	snapshots   map[string]*models.MSnapshot
	clientCount int

	requests sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewHub(cfg *models.MConfig, deps Deps, l *logger.Logger) *Hub {
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		Config:     cfg,
		Logger:     l,
		engine:     gin.New(),
		gateway:    deps.Gateway,
		mux:        deps.Mux,
		alerts:     deps.Alerts,
		sinks:      deps.Sinks,
		metrics:    deps.Metrics,
		scheduler:  deps.Scheduler,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		actions:    make(chan func(), 64),
		done:       make(chan struct{}),
		snapshots:  make(map[string]*models.MSnapshot),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}

	h.engine.Use(gin.Recovery(), h.corsMiddleware())
	h.setupRoutes()
	return h
}

// Handler exposes the HTTP/WebSocket routes.
func (h *Hub) Handler() http.Handler {
	return h.engine
}

// -----------------------------------------------------------------------------
// Startup state
// -----------------------------------------------------------------------------

// Restore seeds the snapshot cache (warm start). Call before Run.
func (h *Hub) Restore(snaps []models.MSnapshot) {
	h.stateMutex.Lock()
	defer h.stateMutex.Unlock()

	for i := range snaps {
		s := snaps[i]
		if s.Symbol == "" {
			continue
		}
		if cur, ok := h.snapshots[s.Symbol]; ok && cur.LastUpdate > s.LastUpdate {
			continue
		}
		h.snapshots[s.Symbol] = &s
	}
}

// AcquireWatchlist holds symbols on behalf of the watchlist consumer so they
// stay subscribed without any client.
func (h *Hub) AcquireWatchlist(symbols []string) {
	for _, s := range symbols {
		h.mux.Acquire(s, WatchlistConsumer)
		h.track(s)
	}
	if len(symbols) > 0 {
		h.Logger.Info("Watchlist holds %d symbol(s)", len(symbols))
	}
}

// -----------------------------------------------------------------------------
// Hub Loop
// -----------------------------------------------------------------------------

// Run is the hub loop. It returns when ctx is cancelled or the gateway event
// stream closes.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	sweepEvery := time.Duration(h.Config.Alerts.SweepIntervalSeconds) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	retry := time.NewTicker(pendingRetryInterval)
	defer retry.Stop()

	events := h.gateway.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client, "disconnected")

		case msg := <-h.inbound:
			h.handleInbound(msg)

		case fn := <-h.actions:
			fn()

		case ev, ok := <-events:
			if !ok {
				h.Logger.Warning("Gateway event stream closed")
				return nil
			}
			h.handleGatewayEvent(ev)

		case <-sweep.C:
			h.sweepAlerts()

		case <-retry.C:
			h.mux.RetryPending()
		}
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.cancel()
		for c := range h.clients {
			h.closeClient(c)
		}
		h.clients = make(map[*Client]struct{})
		h.setClientCount(0)
	})
	h.requests.Wait()
}

// exec runs fn on the hub loop. It returns false if the hub has stopped.
func (h *Hub) exec(fn func()) bool {
	select {
	case h.actions <- fn:
		return true
	case <-h.done:
		return false
	}
}

// -----------------------------------------------------------------------------
// Client lifecycle
// -----------------------------------------------------------------------------

func (h *Hub) addClient(c *Client) {
	h.clients[c] = struct{}{}
	h.setClientCount(len(h.clients))

	h.stateMutex.RLock()
	count := len(h.snapshots)
	h.stateMutex.RUnlock()

	h.sendTo(c, models.MHandshakeMessage{
		Type:             models.MsgConnected,
		ClientID:         c.id,
		Timestamp:        h.now().UnixMilli(),
		SnapshotCount:    count,
		GatewayConnected: h.gateway.Connected(),
	})
	h.Logger.Info("Client %s connected (%d total)", c.id, len(h.clients))
}

// removeClient releases every symbol the session holds and closes it.
func (h *Hub) removeClient(c *Client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	c.state = clientClosing
	delete(h.clients, c)

	for _, symbol := range sortedKeys(c.symbols) {
		h.release(symbol, c.id)
	}
	c.symbols = nil
	h.closeClient(c)
	h.setClientCount(len(h.clients))
	h.Logger.Info("Client %s removed (%s), %d remaining", c.id, reason, len(h.clients))
}

func (h *Hub) closeClient(c *Client) {
	if c.state == clientClosed {
		return
	}
	c.state = clientClosed
	close(c.send)
}

// sendTo never blocks the loop: a client whose buffer is full is dropped.
func (h *Hub) sendTo(c *Client, message interface{}) {
	if c.state != clientConnected {
		return
	}
	select {
	case c.send <- message:
	default:
		h.metrics.ClientDropped()
		h.removeClient(c, "send buffer full")
	}
}

func (h *Hub) broadcast(message interface{}) {
	for c := range h.clients {
		h.sendTo(c, message)
	}
}

func (h *Hub) setClientCount(n int) {
	h.stateMutex.Lock()
	h.clientCount = n
	h.stateMutex.Unlock()
	h.metrics.SetClients(n)
}

// -----------------------------------------------------------------------------
// Subscription bookkeeping
// -----------------------------------------------------------------------------

func (h *Hub) acquire(symbol string, c *Client) {
	h.mux.Acquire(symbol, c.id)
	c.symbols[symbol] = struct{}{}
	h.track(symbol)
}

func (h *Hub) release(symbol, consumer string) {
	h.mux.Release(symbol, consumer)
	if h.scheduler != nil && h.mux.RefCount(symbol) == 0 {
		h.scheduler.Untrack(symbol)
	}
}

func (h *Hub) track(symbol string) {
	if h.scheduler != nil {
		h.scheduler.Track(symbol)
	}
}

// -----------------------------------------------------------------------------
// Gateway events
// -----------------------------------------------------------------------------

func (h *Hub) handleGatewayEvent(ev models.MGatewayEvent) {
	switch e := ev.(type) {
	// the connector logs session changes and owns the connected gauge
	case models.MConnectedEvent:
		h.mux.OnConnected(e.Session)
		h.broadcastGatewayStatus()

	case models.MDisconnectedEvent:
		h.mux.OnDisconnected()
		h.broadcastGatewayStatus()

	case models.MExhaustedEvent:
		h.mux.OnDisconnected()
		h.Logger.Info("Serving cached snapshots only")
		h.broadcastGatewayStatus()

	case models.MTickEvent:
		h.onTick(e)

	case models.MGatewayErrorEvent:
		h.onGatewayError(e)
	}
}

func (h *Hub) broadcastGatewayStatus() {
	h.broadcast(models.MGatewayStatusMessage{
		Type:      models.MsgGatewayStatus,
		State:     h.gateway.State(),
		Connected: h.gateway.Connected(),
		Timestamp: h.now().UnixMilli(),
	})
}

// -----------------------------------------------------------------------------

func (h *Hub) onTick(e models.MTickEvent) {
	tick := e.Tick
	if !h.mux.Confirm(e.Handle, tick.Symbol) {
		// stream was cancelled or belongs to a lost session
		return
	}
	h.metrics.TickReceived(string(tick.Field))

	h.stateMutex.Lock()
	snap, ok := h.snapshots[tick.Symbol]
	if !ok {
		snap = &models.MSnapshot{Symbol: tick.Symbol}
		h.snapshots[tick.Symbol] = snap
	}
	foldTick(snap, tick, h.now().UnixMilli())
	updated := *snap
	h.stateMutex.Unlock()

	h.sinks.Snapshot(updated)

	msg := models.MMarketDataMessage{
		Type:      models.MsgMarketData,
		Symbol:    updated.Symbol,
		Data:      updated,
		Timestamp: h.now().UnixMilli(),
	}
	for c := range h.clients {
		if _, ok := c.symbols[updated.Symbol]; ok {
			h.sendTo(c, msg)
		}
	}

	h.dispatchTriggers(h.alerts.Evaluate(updated, tick.Field))
}

// dispatchTriggers delivers fired alerts to every session and the sinks.
func (h *Hub) dispatchTriggers(triggers []models.MAlertTrigger) {
	for _, t := range triggers {
		h.metrics.AlertTriggered(string(t.Rule.Kind))
		h.broadcast(models.MAlertTriggeredMessage{Type: models.MsgAlertTriggered, MAlertTrigger: t})
		h.sinks.SaveRule(t.Rule)
		h.sinks.Alert(t)
	}
}

// -----------------------------------------------------------------------------

func (h *Hub) onGatewayError(e models.MGatewayErrorEvent) {
	h.metrics.GatewayError(e.Code)

	symbol := e.Symbol
	if symbol == "" && e.Handle > 0 {
		symbol, _ = h.mux.Resolve(e.Handle)
	}
	if symbol == "" {
		h.Logger.Warning("Gateway error %d: %s", e.Code, e.Message)
		return
	}

	h.Logger.Warning("Gateway error %d for %s: %s", e.Code, symbol, e.Message)
	msg := models.MErrorMessage{Type: models.MsgError, Message: e.Message, Symbol: symbol, Code: e.Code}
	for c := range h.clients {
		if _, ok := c.symbols[symbol]; ok {
			h.sendTo(c, msg)
		}
	}
}

// -----------------------------------------------------------------------------

func (h *Hub) sweepAlerts() {
	for _, r := range h.alerts.Sweep() {
		h.Logger.Info("Alert %s expired after retention window", r.ID)
		h.sinks.DeleteRule(r.ID)
		h.broadcast(models.MAlertDeletedMessage{Type: models.MsgAlertDeleted, ID: r.ID})
	}
}
