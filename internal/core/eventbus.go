// Package core provides the in-process event bus connecting pipelines to
// subscribers.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultNATSPort is the port of the embedded server when none is configured
const DefaultNATSPort = 14222

// Subjects
const (
	SubjectWeaponAlert     = "watchpost.alerts.weapon"
	SubjectIdentityCreated = "watchpost.identity.created"
	SubjectActivity        = "watchpost.activity"
	subjectHealth          = "_watchpost.health"
)

// AnnotationSubject returns the subject a pipeline publishes its per-frame
// annotations on
func AnnotationSubject(stream string) string {
	return "watchpost." + stream + ".annotations"
}

// EventBus provides pub/sub messaging over an embedded NATS server
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server; 0 selects DefaultNATSPort, -1 a random port
	Port int
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Host: "127.0.0.1",
		Port: DefaultNATSPort,
	}
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("watchpost"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL())
	return eb, nil
}

// ClientURL returns the NATS client URL for external subscribers
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Publish publishes data as JSON to a subject
func (eb *EventBus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	for _, sub := range eb.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(eb.subs, subject)
}

// Flush waits until the server has processed all published messages
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Stop drains the connection and shuts the server down
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped")
}

// HealthCheck verifies the connection is alive
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := eb.conn.RequestWithContext(ctx, subjectHealth, []byte("ping"))
	if errors.Is(err, nats.ErrNoResponders) {
		// Nobody answers health pings; reaching the server is enough
		return nil
	}
	return err
}
