package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultCollection holds one status document per song
const DefaultCollection = "pipeline_status"

// MongoMirror reads stage reports from the pipeline's document store
type MongoMirror struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoMirror connects to MongoDB and verifies the connection
func NewMongoMirror(ctx context.Context, uri, database, collection string) (*MongoMirror, error) {
	if collection == "" {
		collection = DefaultCollection
	}

	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoMirror{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// Fetch implements Mirror
func (m *MongoMirror) Fetch(ctx context.Context, externalID string) (*StageReport, error) {
	var report StageReport
	err := m.collection.FindOne(ctx, bson.M{"external_id": externalID}).Decode(&report)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pipeline status for %s: %w", externalID, err)
	}
	return &report, nil
}

// HealthCheck pings the document store
func (m *MongoMirror) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client
func (m *MongoMirror) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
