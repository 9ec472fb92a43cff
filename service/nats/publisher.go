package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ledgerlens/ledgerlens/service/metrics"
)

// Publisher defines the interface for publishing decoded events to NATS.
type Publisher interface {
	// PublishEvent publishes a single semantic event to JetStream on the
	// subject "events.{event_type}".
	PublishEvent(ctx context.Context, msg *EventMessage) error

	// PublishEventBatch publishes multiple events, continuing past
	// per-event failures.
	PublishEventBatch(ctx context.Context, msgs []*EventMessage) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes semantic events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for decoded events.
	StreamName = "SEMANTIC_EVENTS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "events.*"

	// StreamRetention is how long messages are retained.
	StreamRetention = 30 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher. It connects to NATS and
// ensures the stream exists. The metrics collector is optional.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("ledgerlens-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		p.logger.Debug("JetStream stream already exists", "stream", StreamName)
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Semantic events decoded from raw transactions",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	if _, err := p.js.CreateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishEvent publishes a single semantic event.
func (p *JetStreamPublisher) PublishEvent(ctx context.Context, msg *EventMessage) error {
	subject := fmt.Sprintf("events.%s", msg.EventType)
	start := time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event message: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published semantic event",
		"subject", subject,
		"signature", msg.Signature,
		"event_type", msg.EventType,
	)

	return nil
}

// PublishEventBatch publishes multiple events. One failed publish does not
// fail the batch.
func (p *JetStreamPublisher) PublishEventBatch(ctx context.Context, msgs []*EventMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	for _, msg := range msgs {
		if err := p.PublishEvent(ctx, msg); err != nil {
			p.logger.Error("failed to publish event in batch",
				"signature", msg.Signature,
				"event_type", msg.EventType,
				"error", err,
			)
			continue
		}
	}

	p.logger.Debug("published event batch", "count", len(msgs))
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
