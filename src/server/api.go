package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (h *Hub) setupRoutes() {
	api := h.engine.Group("/api")
	api.GET("/health", h.getHealth)
	api.GET("/status", h.getStatus)
	api.GET("/subscriptions", h.getSubscriptions)
	api.GET("/snapshots", h.getSnapshots)
	api.GET("/snapshots/:symbol", h.getSnapshot)
	api.GET("/alerts", h.getAlerts)
	api.POST("/signals", h.postSignal)

	if h.metrics != nil {
		h.engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	// WebSocket endpoint
	h.engine.GET("/ws", h.handleWebSocket)
}

func (h *Hub) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); origin != "" && h.originAllowed(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originAllowed accepts every origin when no allow-list is configured.
func (h *Hub) originAllowed(origin string) bool {
	allowed := h.Config.Hub.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Serve runs the HTTP server until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.Config.Host, h.Config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.Logger.Info("Starting server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.originAllowed(origin)
		},
	}
}

func (h *Hub) handleWebSocket(c *gin.Context) {
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	buffer := h.Config.Hub.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	client := &Client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan interface{}, buffer),
		symbols: make(map[string]struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (h *Hub) getHealth(c *gin.Context) {
	h.stateMutex.RLock()
	connections := h.clientCount
	var latest int64
	for _, s := range h.snapshots {
		if s.LastUpdate > latest {
			latest = s.LastUpdate
		}
	}
	h.stateMutex.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"gateway":       h.gateway.State(),
		"connections":   connections,
		"latest_update": latest,
	})
}

func (h *Hub) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Status())
}

func (h *Hub) getSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, h.Subscriptions())
}

func (h *Hub) getSnapshots(c *gin.Context) {
	h.stateMutex.RLock()
	snaps := sortedSnapshots(h.snapshots)
	h.stateMutex.RUnlock()

	c.JSON(http.StatusOK, snaps)
}

func (h *Hub) getSnapshot(c *gin.Context) {
	symbol, err := helpers.NormalizeSymbol(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.stateMutex.RLock()
	snap, ok := h.snapshots[symbol]
	var out models.MSnapshot
	if ok {
		out = *snap
	}
	h.stateMutex.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for " + symbol})
		return
	}

	view := models.MSymbolView{MSnapshot: out}
	if h.scheduler != nil {
		view.MarketOpen = h.scheduler.IsOpen(symbol)
	}
	c.JSON(http.StatusOK, view)
}

func (h *Hub) getAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.alerts.List())
}

type signalRequest struct {
	Symbol  string `json:"symbol" binding:"required"`
	Kind    string `json:"type" binding:"required"`
	Message string `json:"message"`
}

func (h *Hub) postSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, ok := models.ParseAlertKind(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown alert type '" + req.Kind + "'"})
		return
	}

	fired, err := h.TriggerSignal(req.Symbol, kind, req.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggered": fired})
}

// -----------------------------------------------------------------------------
// Data Exchange Interface Implementation
// -----------------------------------------------------------------------------

func (h *Hub) Status() models.MRelayStatus {
	h.stateMutex.RLock()
	clients := h.clientCount
	cached := len(h.snapshots)
	h.stateMutex.RUnlock()

	state := h.gateway.State()
	connected := h.gateway.Connected()
	status := "ok"
	switch {
	case state == "exhausted":
		status = "exhausted"
	case !connected:
		status = "degraded"
	}

	marketOpen := false
	if h.scheduler != nil {
		marketOpen = h.scheduler.AnyMarketOpen()
	}

	return models.MRelayStatus{
		Status:              status,
		GatewayState:        state,
		UpstreamConnected:   connected,
		ActiveSubscriptions: h.mux.Count(),
		ConnectedClients:    clients,
		CachedSnapshots:     cached,
		Alerts:              h.alerts.Count(),
		MarketOpen:          marketOpen,
		Timestamp:           h.now().UnixMilli(),
	}
}

func (h *Hub) Subscriptions() []models.MSubscriptionInfo {
	return h.mux.Snapshot()
}

// ResetAlert re-arms a rule and announces the change to every session.
func (h *Hub) ResetAlert(id string) (models.MAlertRule, error) {
	rule, err := h.alerts.Reset(id)
	if err != nil {
		return rule, err
	}
	h.sinks.SaveRule(rule)
	h.exec(func() {
		h.broadcast(models.MAlertMessage{Type: models.MsgAlertUpdated, Alert: rule})
	})
	return rule, nil
}

// TriggerSignal fires the external-signal rules of kind for symbol and
// delivers the triggers like any market-data trigger.
func (h *Hub) TriggerSignal(symbol string, kind models.MAlertKind, message string) ([]models.MAlertRule, error) {
	normalized, err := helpers.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	h.stateMutex.RLock()
	var snap *models.MSnapshot
	if s, ok := h.snapshots[normalized]; ok {
		cp := *s
		snap = &cp
	}
	h.stateMutex.RUnlock()

	triggers, err := h.alerts.TriggerExternal(normalized, kind, message, snap)
	if err != nil {
		return nil, err
	}

	rules := make([]models.MAlertRule, 0, len(triggers))
	for _, t := range triggers {
		rules = append(rules, t.Rule)
	}
	if len(triggers) > 0 {
		h.exec(func() { h.dispatchTriggers(triggers) })
	}
	return rules, nil
}
