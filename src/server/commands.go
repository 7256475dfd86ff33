package server

import (
	"context"
	"errors"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/models"
)

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

func (h *Hub) handleInbound(msg inbound) {
	c := msg.client
	if _, ok := h.clients[c]; !ok {
		return
	}

	if msg.err != nil {
		h.Logger.Info("Malformed message from client %s: %v, disconnecting client", c.id, msg.err)
		h.sendError(c, "malformed message: "+msg.err.Error(), "")
		h.removeClient(c, "malformed message")
		return
	}

	cmd := msg.cmd
	switch cmd.Type {
	case models.CmdSubscribe:
		h.onSubscribe(c, cmd.Symbols)
	case models.CmdUnsubscribe:
		h.onUnsubscribe(c, cmd.Symbols)
	case models.CmdPing:
		h.sendTo(c, models.MPongMessage{Type: models.MsgPong, Timestamp: h.now().UnixMilli()})
	case models.CmdCreateAlert:
		h.onCreateAlert(c, cmd)
	case models.CmdDeleteAlert:
		h.onDeleteAlert(c, cmd.ID)
	case models.CmdResetAlert:
		h.onUpdateAlert(c, cmd.ID, h.alerts.Reset)
	case models.CmdToggleAlert:
		h.onToggleAlert(c, cmd)
	case models.CmdListAlerts:
		h.sendTo(c, models.MAlertListMessage{Type: models.MsgAlerts, Alerts: h.alerts.List()})
	case models.CmdGetHistorical:
		h.onGetHistorical(c, cmd)
	case models.CmdGetContract:
		h.onGetContract(c, cmd)
	default:
		h.sendError(c, "unknown command type '"+cmd.Type+"'", "")
	}
}

func (h *Hub) sendError(c *Client, message, symbol string) {
	h.sendTo(c, models.MErrorMessage{Type: models.MsgError, Message: message, Symbol: symbol})
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// onSubscribe acquires every valid symbol and replies with the cached
// snapshot of those that already have one. Invalid symbols get an error each
// and do not abort the rest.
func (h *Hub) onSubscribe(c *Client, raw []string) {
	if len(raw) == 0 {
		h.sendError(c, "subscribe requires at least one symbol", "")
		return
	}
	if limit := h.Config.Hub.MaxSymbolsPerCall; limit > 0 && len(raw) > limit {
		h.sendError(c, "too many symbols in one subscribe call", "")
		return
	}

	added, rejected := helpers.NormalizeSymbols(raw)
	for _, r := range rejected {
		h.sendError(c, helpers.InvalidSymbolError(r).Error(), r)
	}
	for _, symbol := range added {
		if _, held := c.symbols[symbol]; !held {
			h.acquire(symbol, c)
		}
	}
	if len(added) == 0 {
		return
	}

	h.sendTo(c, models.MSymbolsMessage{Type: models.MsgSubscribed, Symbols: added})

	h.stateMutex.RLock()
	var cached []models.MSnapshot
	for _, symbol := range added {
		if snap, ok := h.snapshots[symbol]; ok {
			cached = append(cached, *snap)
		}
	}
	h.stateMutex.RUnlock()

	now := h.now().UnixMilli()
	for _, snap := range cached {
		h.sendTo(c, models.MMarketDataMessage{Type: models.MsgMarketData, Symbol: snap.Symbol, Data: snap, Timestamp: now})
	}
}

func (h *Hub) onUnsubscribe(c *Client, raw []string) {
	symbols, rejected := helpers.NormalizeSymbols(raw)
	for _, r := range rejected {
		h.sendError(c, helpers.InvalidSymbolError(r).Error(), r)
	}

	var removed []string
	for _, symbol := range symbols {
		if _, held := c.symbols[symbol]; !held {
			continue
		}
		delete(c.symbols, symbol)
		h.release(symbol, c.id)
		removed = append(removed, symbol)
	}
	h.sendTo(c, models.MSymbolsMessage{Type: models.MsgUnsubscribed, Symbols: nonNil(removed)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// Alert rules are global: every change is broadcast to all sessions, the same
// way triggers are.

func (h *Hub) onCreateAlert(c *Client, cmd models.MClientCommand) {
	if cmd.Alert == nil {
		h.sendError(c, "createAlert requires an alert", "")
		return
	}
	rule, err := h.alerts.Create(*cmd.Alert)
	if err != nil {
		h.sendError(c, err.Error(), cmd.Alert.Symbol)
		return
	}
	h.sinks.SaveRule(rule)
	h.broadcast(models.MAlertMessage{Type: models.MsgAlertCreated, Alert: rule})
}

func (h *Hub) onDeleteAlert(c *Client, id string) {
	if _, err := h.alerts.Delete(id); err != nil {
		h.sendError(c, alertError(id, err), "")
		return
	}
	h.sinks.DeleteRule(id)
	h.broadcast(models.MAlertDeletedMessage{Type: models.MsgAlertDeleted, ID: id})
}

func (h *Hub) onToggleAlert(c *Client, cmd models.MClientCommand) {
	if cmd.Enabled == nil {
		h.sendError(c, "toggleAlert requires 'enabled'", "")
		return
	}
	enabled := *cmd.Enabled
	h.onUpdateAlert(c, cmd.ID, func(id string) (models.MAlertRule, error) {
		return h.alerts.SetEnabled(id, enabled)
	})
}

func (h *Hub) onUpdateAlert(c *Client, id string, update func(string) (models.MAlertRule, error)) {
	rule, err := update(id)
	if err != nil {
		h.sendError(c, alertError(id, err), "")
		return
	}
	h.sinks.SaveRule(rule)
	h.broadcast(models.MAlertMessage{Type: models.MsgAlertUpdated, Alert: rule})
}

func alertError(id string, err error) string {
	if errors.Is(err, helpers.ErrAlertNotFound) {
		return "alert '" + id + "' not found"
	}
	return err.Error()
}

// -----------------------------------------------------------------------------
// Request / response queries
// -----------------------------------------------------------------------------

// The gateway round trip runs off the loop; the reply goes to the requesting
// session only, and only if it is still connected.

func (h *Hub) onGetHistorical(c *Client, cmd models.MClientCommand) {
	symbol, err := helpers.NormalizeSymbol(cmd.Symbol)
	if err != nil {
		h.sendError(c, err.Error(), cmd.Symbol)
		return
	}
	var query models.MHistoricalQuery
	if cmd.Historical != nil {
		query = *cmd.Historical
	}

	h.query(c, symbol, func(ctx context.Context) (interface{}, error) {
		bars, err := h.gateway.RequestHistorical(ctx, symbol, query)
		if err != nil {
			return nil, err
		}
		if bars == nil {
			bars = []models.MBar{}
		}
		return models.MHistoricalMessage{Type: models.MsgHistoricalData, RequestID: cmd.RequestID, Symbol: symbol, Bars: bars}, nil
	})
}

func (h *Hub) onGetContract(c *Client, cmd models.MClientCommand) {
	symbol, err := helpers.NormalizeSymbol(cmd.Symbol)
	if err != nil {
		h.sendError(c, err.Error(), cmd.Symbol)
		return
	}

	h.query(c, symbol, func(ctx context.Context) (interface{}, error) {
		details, err := h.gateway.RequestContractDetails(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if details == nil {
			details = []models.MContractDetails{}
		}
		return models.MContractMessage{Type: models.MsgContractDetails, RequestID: cmd.RequestID, Symbol: symbol, Details: details}, nil
	})
}

func (h *Hub) query(c *Client, symbol string, fn func(ctx context.Context) (interface{}, error)) {
	timeout := time.Duration(h.Config.Gateway.HistoricalTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	h.requests.Add(1)
	go func() {
		defer h.requests.Done()

		ctx, cancel := context.WithTimeout(h.ctx, timeout)
		reply, err := fn(ctx)
		cancel()

		h.exec(func() {
			if _, ok := h.clients[c]; !ok {
				return
			}
			if err != nil {
				h.sendTo(c, queryError(symbol, err))
				return
			}
			h.sendTo(c, reply)
		})
	}()
}

func queryError(symbol string, err error) models.MErrorMessage {
	msg := models.MErrorMessage{Type: models.MsgError, Message: err.Error(), Symbol: symbol}
	var gwErr *helpers.GatewayRequestError
	if errors.As(err, &gwErr) {
		msg.Message = gwErr.Message
		msg.Code = gwErr.Code
	}
	return msg
}
