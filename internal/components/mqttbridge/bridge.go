// Package mqttbridge adapts an MQTT broker to the event bus: messages
// arriving on configured topics become bus events, and bus events
// handed to the Bridge's HandleEvent go out as MQTT publishes. It is a
// Transceiver, grounded on the connection-management pattern of a
// typical autopaho-based MQTT publisher — reconnect handled by
// autopaho, discovery/availability left to the caller's topic naming.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

// EventTag is the bus tag published for every inbound MQTT message.
const EventTag bus.EventType = "mqtt.message"

// rateLimiter drops inbound messages once more than limit arrive
// within interval, logging how many were dropped at each boundary.
type rateLimiter struct {
	count, dropped atomic.Int64
	limit          int64
	interval       time.Duration
	logger         *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, interval: interval, logger: logger}
}

func (r *rateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", received, "dropped", dropped, "interval", r.interval.String(), "limit", r.limit)
			}
		}
	}
}

func (r *rateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// Bridge is a Transceiver wrapping one MQTT connection.
type Bridge struct {
	*component.Base

	cfg        config.MQTTConfig
	instanceID string
	cm         *autopaho.ConnectionManager
	limiter    *rateLimiter
}

// New builds a Bridge. It does not connect until Startup runs.
func New(id string, cfg config.MQTTConfig, logger *slog.Logger) *Bridge {
	return &Bridge{
		Base:       component.NewBase(id, "mqttbridge.Bridge", logger),
		cfg:        cfg,
		instanceID: uuid.NewString(),
	}
}

// SubscribeTo is a no-op: it does not add HandleEvent to the bus
// subscriber table, so bus events reach HandleEvent only when a caller
// subscribes it directly with Broker.Subscribe. It exists so Bridge
// satisfies component.Subscriber and registers as a Transceiver.
func (br *Bridge) SubscribeTo(tag bus.EventType) {}

// RegisterPendingSubscriptions is a no-op for the same reason.
func (br *Bridge) RegisterPendingSubscriptions() {}

// HandleEvent reacts to bus events by republishing them to MQTT under
// cfg.PublishPrefix/<event type>, unless the event's own payload names
// a "topic" to publish to instead.
func (br *Bridge) HandleEvent(ctx context.Context, evt bus.Event) error {
	if br.cm == nil {
		return nil
	}
	topic := br.cfg.PublishPrefix + "/" + string(evt.Type)
	if t, ok := evt.Get("topic"); ok {
		if s, ok := t.(string); ok && s != "" {
			topic = s
		}
	}
	body, _ := evt.Get("raw")
	payload, _ := body.([]byte)
	_, err := br.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	return err
}

// Startup connects to the configured broker and wires inbound message
// handling. It returns once the initial connection attempt resolves
// (or times out — autopaho keeps retrying in the background either
// way).
func (br *Bridge) Startup(ctx context.Context) error {
	brokerURL, err := url.Parse(br.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqttbridge: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: br.cfg.Username,
		ConnectPassword: []byte(br.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			br.Logger.Info("mqtt connected", "broker", br.cfg.BrokerURL)
			if br.cfg.TopicFilter == "" {
				return
			}
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: br.cfg.TopicFilter, QoS: 1}},
			}); err != nil {
				br.Logger.Warn("mqtt subscribe failed", "topic", br.cfg.TopicFilter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			br.Logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: br.cfg.ClientIDPrefix + "-" + br.instanceID[:8],
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttbridge: connect: %w", err)
	}
	br.cm = cm

	limit := br.cfg.RateLimit
	if limit == 0 {
		limit = 200
	}
	interval := br.cfg.RateLimitInterval
	if interval == 0 {
		interval = time.Second
	}
	br.limiter = newRateLimiter(limit, interval, br.Logger)
	go br.limiter.run(ctx)

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !br.limiter.allow() {
			return true, nil
		}
		br.Publish(bus.NewEvent(EventTag, br.ID, map[string]any{
			"topic": pr.Packet.Topic,
			"raw":   pr.Packet.Payload,
		}))
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		br.Logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Run blocks until ctx is cancelled; the connection itself is driven
// by autopaho's own goroutines, started in Startup.
func (br *Bridge) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Shutdown disconnects from the broker.
func (br *Bridge) Shutdown(ctx context.Context) error {
	if br.cm == nil {
		return nil
	}
	return br.cm.Disconnect(ctx)
}
