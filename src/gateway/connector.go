package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/metrics"
	"market-relay/src/models"

	"github.com/cenkalti/backoff/v5"
)

// -----------------------------------------------------------------------------

// State of the gateway session state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// -----------------------------------------------------------------------------

// Config holds connector settings.
type Config struct {
	URL      string
	ClientID int
	Exchange string
	Currency string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts; 0 retries forever.
	MaxReconnectAttempts int

	HistoricalTimeout time.Duration
	EventBuffer       int
}

// ConfigFromModel converts the YAML gateway section.
func ConfigFromModel(m models.MGatewayConfig) Config {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Config{
		URL:                  m.URL,
		ClientID:             m.ClientID,
		Exchange:             m.Exchange,
		Currency:             m.Currency,
		ConnectTimeout:       sec(m.ConnectTimeoutSeconds),
		WriteTimeout:         sec(m.WriteTimeoutSeconds),
		PingInterval:         sec(m.PingIntervalSeconds),
		PongTimeout:          sec(m.PongTimeoutSeconds),
		ReconnectBase:        sec(m.ReconnectBaseSeconds),
		ReconnectMax:         sec(m.ReconnectMaxSeconds),
		MaxReconnectAttempts: m.MaxReconnectAttempts,
		HistoricalTimeout:    sec(m.HistoricalTimeoutSeconds),
		EventBuffer:          m.EventBuffer,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = 30 * c.ReconnectBase
	}
	if c.HistoricalTimeout <= 0 {
		c.HistoricalTimeout = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.Exchange == "" {
		c.Exchange = "SMART"
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	return c
}

// -----------------------------------------------------------------------------

// request is an in-flight historical or contract lookup. Results are only
// handed to the caller once the end marker arrives.
type request struct {
	id      int64
	symbol  string
	bars    []models.MBar
	details []models.MContractDetails
	done    chan error
}

func (r *request) finish(err error) {
	select {
	case r.done <- err:
	default:
	}
}

// -----------------------------------------------------------------------------

// Connector owns the single logical session to the gateway. It never restores
// market data streams by itself after a reconnect: consumers replay their
// subscriptions when they observe MConnectedEvent.
type Connector struct {
	cfg     Config
	Logger  *logger.Logger
	metrics *metrics.Metrics

	events chan models.MGatewayEvent
	nextID atomic.Int64

	connectMu sync.Mutex

	mu        sync.Mutex
	state     State
	sess      *session
	sessionID uint64
	attempts  int
	streams   map[int64]string // market data handle -> symbol
	pending   map[int64]*request
	closed    bool
	done      chan struct{}
}

// -----------------------------------------------------------------------------

func NewConnector(cfg Config, l *logger.Logger, m *metrics.Metrics) *Connector {
	cfg = cfg.withDefaults()
	return &Connector{
		cfg:     cfg,
		Logger:  l,
		metrics: m,
		events:  make(chan models.MGatewayEvent, cfg.EventBuffer),
		streams: make(map[int64]string),
		pending: make(map[int64]*request),
		done:    make(chan struct{}),
	}
}

// -----------------------------------------------------------------------------

// Events returns the ordered event stream. It is never closed.
func (c *Connector) Events() <-chan models.MGatewayEvent {
	return c.events
}

func (c *Connector) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// -----------------------------------------------------------------------------

// Connect establishes a session if there is none. Calling it while connected
// returns the current session id without touching the connection.
func (c *Connector) Connect(ctx context.Context) (uint64, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return 0, helpers.ErrClosed
	case c.state == StateExhausted:
		c.mu.Unlock()
		return 0, helpers.ErrExhausted
	case c.state == StateConnected:
		id := c.sessionID
		c.mu.Unlock()
		return id, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := dialSession(ctx, c.cfg)
	if err != nil {
		c.setState(StateDisconnected)
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return 0, helpers.ErrClosed
	}
	c.sessionID++
	sess := newSession(c.sessionID, conn, c.cfg)
	c.sess = sess
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.Logger.Info("Connected to gateway %s (session %d)", c.cfg.URL, sess.id)
	c.metrics.SetUpstreamConnected(true)
	c.emit(models.MConnectedEvent{Session: sess.id, At: time.Now()})

	go c.readLoop(sess)
	go sess.writeLoop()
	go sess.heartbeat(c.cfg.PingInterval)

	return sess.id, nil
}

// -----------------------------------------------------------------------------

// Run supervises the session until ctx is cancelled: it connects, waits for the
// session to drop and reconnects with exponential backoff. After
// MaxReconnectAttempts consecutive failures, or an authentication rejection,
// it emits MExhaustedEvent and returns without retrying again.
func (c *Connector) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectBase
	b.MaxInterval = c.cfg.ReconnectMax

	for {
		_, err := c.Connect(ctx)
		if err == nil {
			b.Reset()
			if sess := c.current(); sess != nil {
				select {
				case <-ctx.Done():
					c.Close()
					return nil
				case <-sess.done:
				}
			}
			if c.isClosed() {
				return nil
			}
			if !c.wait(ctx, c.cfg.ReconnectBase) {
				return nil
			}
			continue
		}

		if ctx.Err() != nil || errors.Is(err, helpers.ErrClosed) || errors.Is(err, helpers.ErrExhausted) {
			return nil
		}
		if errors.Is(err, helpers.ErrAuthRejected) {
			c.exhaust(c.failedAttempt(), err)
			return nil
		}

		attempts := c.failedAttempt()
		c.metrics.ReconnectAttempt()
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.exhaust(attempts, err)
			return nil
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.ReconnectMax
		}
		c.Logger.Warning("Gateway connection attempt %d failed: %v. Retrying in %v", attempts, err, delay)
		if !c.wait(ctx, delay) {
			return nil
		}
	}
}

func (c *Connector) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.Close()
		return false
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

// -----------------------------------------------------------------------------

// Close tears down the session and stops the supervisor. Idempotent.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.mu.Unlock()

	close(c.done)
	if sess != nil {
		sess.close()
	}
	return nil
}

// -----------------------------------------------------------------------------

// Subscribe requests streaming market data for a symbol. The command is
// queued for the session writer; it never waits on the network.
func (c *Connector) Subscribe(symbol string) (int64, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.sess == nil {
		c.mu.Unlock()
		return 0, helpers.ErrNotConnected
	}
	handle := c.nextID.Add(1)
	c.streams[handle] = symbol
	sess := c.sess
	c.mu.Unlock()

	err := sess.enqueue(command{
		ID:       handle,
		Cmd:      cmdReqMktData,
		Symbol:   symbol,
		SecType:  defaultSecType,
		Exchange: c.cfg.Exchange,
		Currency: c.cfg.Currency,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.streams, handle)
		c.mu.Unlock()
		return 0, helpers.NewConnectionError("subscribe "+symbol, err)
	}

	c.Logger.Debug("Subscribed %s (handle %d)", symbol, handle)
	return handle, nil
}

// -----------------------------------------------------------------------------

// Unsubscribe queues the cancel of a market data stream. Unknown handles are
// only logged.
func (c *Connector) Unsubscribe(handle int64) {
	c.mu.Lock()
	symbol, ok := c.streams[handle]
	delete(c.streams, handle)
	sess := c.sess
	c.mu.Unlock()

	if !ok {
		c.Logger.Debug("Unsubscribe ignored for unknown handle %d", handle)
		return
	}
	if sess == nil {
		return
	}
	if err := sess.enqueue(command{ID: handle, Cmd: cmdCancelMktData}); err != nil {
		c.Logger.Warning("Unsubscribe %s (handle %d) failed: %v", symbol, handle, err)
		return
	}
	c.Logger.Debug("Unsubscribed %s (handle %d)", symbol, handle)
}

// -----------------------------------------------------------------------------

// RequestHistorical collects bars until the end marker. The request is bounded
// by the historical timeout; on timeout or error nothing collected so far is
// returned.
func (c *Connector) RequestHistorical(ctx context.Context, symbol string, query models.MHistoricalQuery) ([]models.MBar, error) {
	query = withQueryDefaults(query)

	req, err := c.startRequest(symbol, func(id int64) command {
		return command{
			ID:         id,
			Cmd:        cmdReqHistoricalData,
			Symbol:     symbol,
			SecType:    defaultSecType,
			Exchange:   c.cfg.Exchange,
			Currency:   c.cfg.Currency,
			Duration:   query.Duration,
			BarSize:    query.BarSize,
			WhatToShow: query.WhatToShow,
			UseRTH:     query.UseRTH,
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.awaitRequest(ctx, req, "historical data for "+symbol); err != nil {
		return nil, err
	}
	return req.bars, nil
}

// -----------------------------------------------------------------------------

// RequestContractDetails looks up contracts for a symbol.
func (c *Connector) RequestContractDetails(ctx context.Context, symbol string) ([]models.MContractDetails, error) {
	req, err := c.startRequest(symbol, func(id int64) command {
		return command{
			ID:       id,
			Cmd:      cmdReqContractDetails,
			Symbol:   symbol,
			SecType:  defaultSecType,
			Exchange: c.cfg.Exchange,
			Currency: c.cfg.Currency,
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.awaitRequest(ctx, req, "contract details for "+symbol); err != nil {
		return nil, err
	}
	return req.details, nil
}

// -----------------------------------------------------------------------------

func (c *Connector) startRequest(symbol string, build func(id int64) command) (*request, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.sess == nil {
		c.mu.Unlock()
		return nil, helpers.ErrNotConnected
	}
	req := &request{
		id:     c.nextID.Add(1),
		symbol: symbol,
		done:   make(chan error, 1),
	}
	c.pending[req.id] = req
	sess := c.sess
	c.mu.Unlock()

	if err := sess.send(build(req.id)); err != nil {
		c.dropRequest(req.id)
		return nil, helpers.NewConnectionError("send request", err)
	}
	return req, nil
}

func (c *Connector) awaitRequest(ctx context.Context, req *request, what string) error {
	timer := time.NewTimer(c.cfg.HistoricalTimeout)
	defer timer.Stop()

	select {
	case err := <-req.done:
		return err
	case <-timer.C:
		c.dropRequest(req.id)
		return fmt.Errorf("%s: %w", what, helpers.ErrTimeout)
	case <-ctx.Done():
		c.dropRequest(req.id)
		return ctx.Err()
	}
}

func (c *Connector) dropRequest(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// -----------------------------------------------------------------------------

func (c *Connector) readLoop(sess *session) {
	var err error
	for {
		var data []byte
		data, err = sess.read()
		if err != nil {
			break
		}

		var f frame
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
			c.Logger.Warning("Discarding malformed gateway frame: %v", jsonErr)
			continue
		}
		c.handleFrame(sess, f)
	}

	c.dropSession(sess, err)
	close(sess.done)
}

// -----------------------------------------------------------------------------

func (c *Connector) handleFrame(sess *session, f frame) {
	switch f.Type {
	case frameTickPrice:
		c.handleTick(f, f.Price)
	case frameTickSize:
		c.handleTick(f, f.Size)

	case frameHistoricalData:
		c.mu.Lock()
		if req, ok := c.pending[f.ReqID]; ok && f.Bar != nil {
			req.bars = append(req.bars, *f.Bar)
		}
		c.mu.Unlock()

	case frameContractDetails:
		c.mu.Lock()
		if req, ok := c.pending[f.ReqID]; ok && f.Details != nil {
			req.details = append(req.details, *f.Details)
		}
		c.mu.Unlock()

	case frameHistoricalDataEnd, frameContractDetailsEnd:
		c.mu.Lock()
		req, ok := c.pending[f.ReqID]
		delete(c.pending, f.ReqID)
		c.mu.Unlock()
		if ok {
			req.finish(nil)
		}

	case frameError:
		c.handleError(f)

	case frameConnectAck:
		// duplicate acks are harmless

	default:
		c.Logger.Debug("Ignoring gateway frame type '%s' on session %d", f.Type, sess.id)
	}
}

// -----------------------------------------------------------------------------

func (c *Connector) handleTick(f frame, value float64) {
	field, ok := models.FieldForCode(f.Field)
	if !ok {
		return
	}

	c.mu.Lock()
	symbol, ok := c.streams[f.ReqID]
	c.mu.Unlock()
	if !ok {
		return
	}

	ts := f.Time
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	c.emit(models.MTickEvent{
		Handle: f.ReqID,
		Tick: models.MTick{
			Symbol:    symbol,
			Field:     field,
			Value:     value,
			Timestamp: ts,
		},
	})
}

// -----------------------------------------------------------------------------

// handleError routes a gateway error to the request that caused it. Errors on
// market data handles are emitted tagged with their symbol; the consumer
// counts and logs them. Nothing here affects session health.
func (c *Connector) handleError(f frame) {
	if isNotice(f) {
		c.Logger.Info("Gateway notice %d: %s", f.Code, f.Message)
		return
	}

	c.mu.Lock()
	req, isRequest := c.pending[f.ReqID]
	if isRequest {
		delete(c.pending, f.ReqID)
	}
	symbol := c.streams[f.ReqID]
	c.mu.Unlock()

	if isRequest {
		req.finish(&helpers.GatewayRequestError{Handle: f.ReqID, Code: f.Code, Message: f.Message})
		return
	}

	handle := f.ReqID
	if symbol == "" && handle <= 0 {
		handle = -1
	}
	c.Logger.Debug("Gateway error %d on handle %d (%s): %s", f.Code, handle, symbol, f.Message)
	c.emit(models.MGatewayErrorEvent{
		Handle:  handle,
		Symbol:  symbol,
		Code:    f.Code,
		Message: f.Message,
	})
}

// -----------------------------------------------------------------------------

// dropSession clears every handle issued on sess and fails waiting requests.
func (c *Connector) dropSession(sess *session, cause error) {
	sess.close()

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.streams = make(map[int64]string)
	pending := c.pending
	c.pending = make(map[int64]*request)
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	closed := c.closed
	c.mu.Unlock()

	for _, req := range pending {
		req.finish(helpers.NewConnectionError("gateway session lost", helpers.ErrNotConnected))
	}

	if closed {
		c.Logger.Info("Gateway session %d closed", sess.id)
	} else {
		c.Logger.Warning("Gateway session %d lost: %v", sess.id, cause)
	}
	c.metrics.SetUpstreamConnected(false)
	c.emit(models.MDisconnectedEvent{Session: sess.id, Err: cause})
}

// -----------------------------------------------------------------------------

func (c *Connector) exhaust(attempts int, cause error) {
	c.setState(StateExhausted)
	c.Logger.Error("Gateway unavailable after %d attempt(s), giving up: %v", attempts, cause)
	c.emit(models.MExhaustedEvent{Attempts: attempts, Err: cause})
}

// -----------------------------------------------------------------------------

// emit delivers events in order. It blocks while the consumer is behind so
// ticks are never dropped or reordered.
func (c *Connector) emit(ev models.MGatewayEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Connector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connector) failedAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}
