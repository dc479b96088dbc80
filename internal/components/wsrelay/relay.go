// Package wsrelay bridges a single outbound websocket connection onto
// the bus: inbound frames become bus events, and bus events handed to
// the Relay's HandleEvent go out as outbound frames. Reconnection
// follows the close-and-redial pattern of a long-lived websocket
// client, run from a background goroutine rather than an external
// health watcher.
package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

// EventTag is the bus tag published for every inbound frame.
const EventTag bus.EventType = "relay.message"

// Relay is a Transceiver wrapping one websocket connection.
type Relay struct {
	*component.Base

	cfg config.RelayConfig

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New builds a Relay. It does not dial until Startup runs.
func New(id string, cfg config.RelayConfig, logger *slog.Logger) *Relay {
	return &Relay{
		Base: component.NewBase(id, "wsrelay.Relay", logger),
		cfg:  cfg,
	}
}

// SubscribeTo is a no-op: it does not add HandleEvent to the bus
// subscriber table, so bus events reach HandleEvent only when a caller
// subscribes it directly with Broker.Subscribe. It exists so Relay
// satisfies component.Subscriber and registers as a Transceiver.
func (r *Relay) SubscribeTo(tag bus.EventType) {}

// RegisterPendingSubscriptions is a no-op for the same reason.
func (r *Relay) RegisterPendingSubscriptions() {}

// HandleEvent republishes bus events as outbound JSON frames.
func (r *Relay) HandleEvent(ctx context.Context, evt bus.Event) error {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsrelay: not connected")
	}
	return conn.WriteJSON(evt)
}

// Startup dials the relay once. Run owns reconnection after that.
func (r *Relay) Startup(ctx context.Context) error {
	return r.dial(ctx)
}

func (r *Relay) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("wsrelay: dial %s: %w", r.cfg.URL, err)
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	r.Logger.Info("relay connected", "url", r.cfg.URL)
	return nil
}

// Run reads frames until ctx is cancelled, redialing with
// cfg.ReconnectDelay whenever the connection drops.
func (r *Relay) Run(ctx context.Context) error {
	for {
		r.connMu.Lock()
		conn := r.conn
		r.connMu.Unlock()

		if conn == nil {
			if err := r.dial(ctx); err != nil {
				r.Logger.Warn("relay dial failed, retrying", "error", err, "delay", r.cfg.ReconnectDelay)
				if !r.sleepOrDone(ctx, r.cfg.ReconnectDelay) {
					return nil
				}
				continue
			}
			continue
		}

		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.Logger.Info("relay closed normally")
			} else {
				r.Logger.Warn("relay read error, reconnecting", "error", err)
			}
			r.connMu.Lock()
			r.conn = nil
			r.connMu.Unlock()
			_ = conn.Close()
			if !r.sleepOrDone(ctx, r.cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		r.Publish(bus.NewEvent(EventTag, r.ID, map[string]any{"raw": raw}))

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (r *Relay) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Shutdown closes the websocket connection.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
