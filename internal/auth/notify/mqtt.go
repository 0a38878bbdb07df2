package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

var ErrConnectionFailed = errors.New("notify: mqtt connection failed")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string // tcp://host:1883, ssl://host:8883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // messages go to <prefix>/keys/rotated
	JWKSURL     string // included in the payload so subscribers know where to fetch
}

// KeyRotatedEvent is the retained message payload.
type KeyRotatedEvent struct {
	KeyID     string    `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	JWKSURL   string    `json:"jwks_url,omitempty"`
	At        time.Time `json:"at"`
}

// publisher is the slice of pahomqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
}

// MQTT publishes key rotation events at QoS 1, retained, so a resource
// server that connects later still learns the current kid.
type MQTT struct {
	client  publisher
	topic   string
	jwksURL string
	logger  *slog.Logger
	now     func() time.Time
	close   func()
}

// Topic returns the key rotation topic under prefix.
func Topic(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "authcore"
	}
	return prefix + "/keys/rotated"
}

// NewMQTT connects to the broker. Paho reconnects on its own afterwards.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	m := newMQTT(client, cfg, logger)
	m.close = func() { client.Disconnect(disconnectQuiesce) }
	return m, nil
}

func newMQTT(client publisher, cfg MQTTConfig, logger *slog.Logger) *MQTT {
	return &MQTT{
		client:  client,
		topic:   Topic(cfg.TopicPrefix),
		jwksURL: cfg.JWKSURL,
		logger:  logger,
		now:     time.Now,
		close:   func() {},
	}
}

// KeyRotated publishes the event and waits for the broker to acknowledge it,
// bounded by ctx and a default timeout.
func (m *MQTT) KeyRotated(ctx context.Context, keyID, algorithm string) {
	payload, err := json.Marshal(KeyRotatedEvent{
		KeyID:     keyID,
		Algorithm: algorithm,
		JWKSURL:   m.jwksURL,
		At:        m.now().UTC(),
	})
	if err != nil {
		m.logger.Error("failed to encode key rotation event", "kid", keyID, "error", err)
		return
	}

	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	token := m.client.Publish(m.topic, 1, true, payload)
	if !token.WaitTimeout(timeout) {
		m.logger.Error("key rotation notification timed out", "kid", keyID, "topic", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Error("key rotation notification failed", "kid", keyID, "topic", m.topic, "error", err)
		return
	}
	m.logger.Info("key rotation notification published", "kid", keyID, "topic", m.topic)
}

// Close disconnects from the broker after pending publishes drain.
func (m *MQTT) Close() { m.close() }
