// Package mongostore keeps proctoring events in MongoDB when EVENT_STORE=mongo.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zaqqye/proctoring_backend/internal/models"
)

const eventsCollection = "proctoring_events"

// Connect dials and pings MongoDB. Embedded documents decode as maps so event
// meta keeps its JSON shape.
func Connect(ctx context.Context, url string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(url).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true}).
		SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

type EventStore struct {
	coll *mongo.Collection
}

func NewEventStore(db *mongo.Database) *EventStore {
	return &EventStore{coll: db.Collection(eventsCollection)}
}

// EnsureIndexes creates the (sessionId, timestamp) index used by listing.
func (s *EventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create event index: %w", err)
	}
	return nil
}

func (s *EventStore) AppendEvents(ctx context.Context, events ...*models.ProctoringEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	docs := make([]interface{}, 0, len(events))
	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		docs = append(docs, e)
	}
	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func (s *EventStore) ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]models.ProctoringEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]models.ProctoringEvent, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return out, nil
}
