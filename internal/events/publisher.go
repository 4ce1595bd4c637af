// Package events publishes migration lifecycle events to Kafka for the
// dashboard consumers that watch import progress. Publishing is optional
// and strictly best-effort: with no brokers configured every publish is a
// no-op, and publish failures are logged, never propagated into the
// pipeline that produced them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/cargohold-io/cargohold/internal/config"
	"github.com/cargohold-io/cargohold/internal/importer"
)

// Publisher implements importer.Events (the import-completion hook).
var _ importer.Events = (*Publisher)(nil)

// DefaultTopic is the migration-event topic.
const DefaultTopic = "cargohold.migrations"

// Event types emitted over the migration topic.
const (
	TypeCollectionStaged   = "collection.staged"
	TypeCollectionImported = "collection.imported"
)

type (
	// Event is the wire shape of one migration event. Keys are the staged
	// collection id so per-collection ordering survives partitioning.
	Event struct {
		ID            string    `json:"id"`
		Type          string    `json:"type"`
		CollectionID  string    `json:"collection_id"`
		CollectionKey string    `json:"collection_key"`
		ItemsCount    int       `json:"items_count,omitempty"`
		OccurredAt    time.Time `json:"occurred_at"`
	}

	// messageWriter is the slice of *kafka.Writer the publisher uses.
	// Narrowed for testability.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Publisher emits migration events. The zero-value-adjacent disabled
	// publisher (no brokers) is valid and publishes nothing.
	Publisher struct {
		writer messageWriter
		logger *slog.Logger
	}
)

// NewPublisher creates a publisher for the given brokers. An empty broker
// list returns a disabled publisher whose methods are no-ops.
func NewPublisher(brokers []string, topic string) *Publisher {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if len(brokers) == 0 {
		logger.Info("event publishing disabled, no brokers configured")

		return &Publisher{logger: logger}
	}

	if topic == "" {
		topic = DefaultTopic
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}

	logger.Info("event publishing enabled",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
	)

	return &Publisher{writer: writer, logger: logger}
}

// LoadBrokers reads the broker list from CARGOHOLD_KAFKA_BROKERS
// (comma-separated). Empty means publishing is disabled.
func LoadBrokers() []string {
	return config.ParseCommaSeparatedList(config.GetEnvStr("CARGOHOLD_KAFKA_BROKERS", ""))
}

// Enabled reports whether the publisher has a live writer.
func (p *Publisher) Enabled() bool {
	return p.writer != nil
}

// CollectionStaged emits a staging event for a freshly received collection.
func (p *Publisher) CollectionStaged(ctx context.Context, collectionID, collectionKey string) {
	p.publish(ctx, Event{
		Type:          TypeCollectionStaged,
		CollectionID:  collectionID,
		CollectionKey: collectionKey,
	})
}

// CollectionImported emits a completion event once a collection's items are
// fully written and the row is marked imported.
func (p *Publisher) CollectionImported(ctx context.Context, collectionID, collectionKey string, itemsCount int) {
	p.publish(ctx, Event{
		Type:          TypeCollectionImported,
		CollectionID:  collectionID,
		CollectionKey: collectionKey,
		ItemsCount:    itemsCount,
	})
}

// publish fires one event. Failures are logged and swallowed so event
// delivery can never fail a migration.
func (p *Publisher) publish(ctx context.Context, event Event) {
	if p.writer == nil {
		return
	}

	event.ID = uuid.NewString()
	event.OccurredAt = time.Now().UTC()

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to encode migration event",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)

		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.CollectionID),
		Value: value,
	})
	if err != nil {
		p.logger.Warn("failed to publish migration event",
			slog.String("event_type", event.Type),
			slog.String("collection_id", event.CollectionID),
			slog.String("error", err.Error()),
		)

		return
	}

	p.logger.Debug("migration event published",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("collection_id", event.CollectionID),
	)
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close event writer: %w", err)
	}

	return nil
}
