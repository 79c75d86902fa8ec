// Package archive persists generation traces to MongoDB. Traces are a
// debugging aid, written best effort from background tasks; the relational
// store remains the source of truth for conversations.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zhangyuhan0377/zyh.ai/internal/chat"
)

const connectTimeout = 10 * time.Second

type Mongo struct {
	Client   *mongo.Client
	Database *mongo.Database
	Traces   *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	db := client.Database(database)
	return &Mongo{
		Client:   client,
		Database: db,
		Traces:   db.Collection("generation_traces"),
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Traces.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure trace index: %w", err)
	}

	return nil
}

// SaveTrace implements chat.TraceArchiver.
func (m *Mongo) SaveTrace(ctx context.Context, trace chat.GenerationTrace) error {
	if m == nil || m.Traces == nil {
		return fmt.Errorf("mongo: trace collection not initialised")
	}

	if _, err := m.Traces.InsertOne(ctx, trace); err != nil {
		return fmt.Errorf("mongo: save trace: %w", err)
	}
	return nil
}

// RecentTraces returns the latest traces for one conversation, newest first.
func (m *Mongo) RecentTraces(ctx context.Context, conversationID string, limit int64) ([]chat.GenerationTrace, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := m.Traces.Find(ctx, bson.D{{Key: "conversation_id", Value: conversationID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find traces: %w", err)
	}
	defer cursor.Close(ctx)

	var traces []chat.GenerationTrace
	if err := cursor.All(ctx, &traces); err != nil {
		return nil, fmt.Errorf("mongo: decode traces: %w", err)
	}
	return traces, nil
}
