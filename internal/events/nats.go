package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/bundler/internal/config"
)

// NATSEmitter publishes build events to a NATS JetStream subject.
type NATSEmitter struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

// NewNATSEmitter connects to NATS and prepares the JetStream context.
func NewNATSEmitter(cfg config.EventsOptions, logger *slog.Logger) (*NATSEmitter, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("event publishing is disabled")
	}

	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("NATS event emitter initialized",
		"url", cfg.NATSURL,
		"subject", cfg.Subject)

	return &NATSEmitter{
		conn:    conn,
		js:      js,
		subject: cfg.Subject,
		logger:  logger,
	}, nil
}

// Publish sends one build event. Publishing is best effort from the build
// loop's point of view; callers log failures instead of failing the build.
func (e *NATSEmitter) Publish(event *BuildEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := e.js.Publish(ctx, e.subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	e.logger.Debug("published build event",
		"type", event.Type,
		"errors", event.ErrorCount)
	return nil
}

// Close closes the NATS connection.
func (e *NATSEmitter) Close() error {
	if e.conn != nil {
		e.conn.Close()
	}
	return nil
}
