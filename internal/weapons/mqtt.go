package weapons

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrMQTTTimeout is returned when the broker does not acknowledge in time
var ErrMQTTTimeout = errors.New("mqtt operation timed out")

// MQTTConfig configures the MQTT notifier
type MQTTConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Topic    string
	ClientID string
	Timeout  time.Duration
}

// MQTTNotifier publishes alerts as JSON to an MQTT topic
type MQTTNotifier struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTTNotifier connects to the broker
func NewMQTTNotifier(cfg MQTTConfig) (*MQTTNotifier, error) {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.Topic == "" {
		cfg.Topic = "watchpost/alerts/weapon"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "watchpost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "mqtt")

	opts := mqtt.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect: %w", ErrMQTTTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	logger.Info("Connected to MQTT broker", "host", cfg.Host, "port", cfg.Port, "topic", cfg.Topic)

	return &MQTTNotifier{
		client:  client,
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Notify publishes an alert
func (n *MQTTNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	token := n.client.Publish(n.topic, 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish: %w", ErrMQTTTimeout)
	}
	return token.Error()
}

// Close disconnects from the broker
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
