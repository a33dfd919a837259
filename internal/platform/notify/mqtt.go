package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
	disconnectWait = 250 // milliseconds
)

// ErrNotConnected is returned by Notify while the broker is unreachable.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTT publishes events as JSON to <prefix>/<tenant>/<event type>.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger zerolog.Logger
}

// NewMQTT connects to the broker and returns a ready publisher. The client
// reconnects on its own after the first successful connection.
func NewMQTT(ctx context.Context, cfg MQTTConfig, logger zerolog.Logger) (*MQTT, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	n := &MQTT{
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		logger: logger.With().Str("component", "notify").Str("broker", cfg.BrokerURL).Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		n.logger.Info().Msg("connected to mqtt broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		n.logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	n.client = mqtt.NewClient(opts)

	token := n.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to mqtt broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}
	return n, nil
}

func newMQTTWithClient(client mqtt.Client, prefix string, logger zerolog.Logger) *MQTT {
	return &MQTT{client: client, prefix: strings.TrimSuffix(prefix, "/"), logger: logger}
}

// Topic is where events of type t for tenantID are published.
func (n *MQTT) Topic(tenantID string, t EventType) string {
	parts := []string{tenantID, string(t)}
	if n.prefix != "" {
		parts = append([]string{n.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

func (n *MQTT) Notify(ctx context.Context, e Event) error {
	if !n.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}

	topic := n.Topic(e.TenantID, e.Type)
	token := n.client.Publish(topic, n.qos, false, payload)

	wait := publishTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish %s: timeout after %s", topic, wait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	n.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("event published")
	return nil
}

func (n *MQTT) Close() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(disconnectWait)
	}
}
