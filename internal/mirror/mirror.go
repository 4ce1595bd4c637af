// Package mirror replicates imported items into a secondary MongoDB
// document store. The mirror is a courtesy copy for downstream dashboard
// tooling: it is only active when configured, and its failures never fail
// the import that fed it.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/time/rate"

	"github.com/cargohold-io/cargohold/internal/config"
	"github.com/cargohold-io/cargohold/internal/importer"
)

const connectTimeout = 10 * time.Second

// ErrNilConfig is returned when the mirror is constructed without a config.
var ErrNilConfig = errors.New("mirror config cannot be nil")

type (
	// bulkWriter is the slice of *mongo.Collection the mirror writes
	// through. Narrowed for testability.
	bulkWriter interface {
		BulkWrite(
			ctx context.Context,
			models []mongo.WriteModel,
			opts ...*options.BulkWriteOptions,
		) (*mongo.BulkWriteResult, error)
	}

	// collectionResolver maps a collection name to its write surface.
	collectionResolver func(name string) bulkWriter

	// DocumentMirror upserts imported items into Mongo, one collection per
	// staged collection name, paced so the destination is never flooded.
	DocumentMirror struct {
		client  *mongo.Client
		resolve collectionResolver
		limiter *rate.Limiter
		logger  *slog.Logger
	}
)

// Compile-time check that the mirror satisfies the importer's seam.
var _ importer.Mirror = (*DocumentMirror)(nil)

// New connects to the configured Mongo deployment and returns a ready
// mirror. The connection is verified with a bounded ping.
func New(ctx context.Context, cfg *Config) (*DocumentMirror, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mirror config: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI()))
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror client: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), connectTimeout)
		defer disconnectCancel()

		_ = client.Disconnect(disconnectCtx)

		return nil, fmt.Errorf("failed to reach mirror store: %w", err)
	}

	database := client.Database(cfg.Database)

	mirror := newWithResolver(func(name string) bulkWriter {
		return database.Collection(name)
	}, cfg.PaceInterval)
	mirror.client = client

	mirror.logger.Info("document mirror connected",
		slog.String("uri", cfg.MaskMongoURI()),
		slog.String("database", cfg.Database),
		slog.Duration("pace", cfg.PaceInterval),
	)

	return mirror, nil
}

func newWithResolver(resolve collectionResolver, pace time.Duration) *DocumentMirror {
	// rate.Every(0) is an infinite rate, so zero pacing just never waits.
	return &DocumentMirror{
		resolve: resolve,
		limiter: rate.NewLimiter(rate.Every(pace), 1),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// MirrorItems upserts one committed chunk into the collection named after
// the staged collection. Items are keyed by their index, so re-mirroring a
// retried chunk overwrites rather than duplicates.
func (m *DocumentMirror) MirrorItems(
	ctx context.Context,
	collectionName string,
	items []json.RawMessage,
	startIndex int,
) error {
	if len(items) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, 0, len(items))

	for i, item := range items {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("mirror pacing interrupted: %w", err)
		}

		var doc interface{}
		if err := json.Unmarshal(item, &doc); err != nil {
			return fmt.Errorf("failed to decode item for mirroring: %w", err)
		}

		index := startIndex + i
		model := mongo.NewUpdateOneModel().
			SetFilter(bson.M{"item_index": index}).
			SetUpdate(bson.M{"$set": bson.M{
				"item_index":  index,
				"item":        doc,
				"mirrored_at": time.Now().UTC(),
			}}).
			SetUpsert(true)

		writes = append(writes, model)
	}

	result, err := m.resolve(collectionName).BulkWrite(ctx, writes)
	if err != nil {
		return fmt.Errorf("mirror bulk write failed: %w", err)
	}

	m.logger.Debug("chunk mirrored",
		slog.String("collection", collectionName),
		slog.Int("start_index", startIndex),
		slog.Int64("upserted", result.UpsertedCount),
		slog.Int64("modified", result.ModifiedCount),
	)

	return nil
}

// Close disconnects from the mirror store.
func (m *DocumentMirror) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}

	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect mirror client: %w", err)
	}

	return nil
}
