package journal

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBJournal persists transitions to MongoDB.
type MongoDBJournal struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// mongoEntry is the MongoDB document structure.
type mongoEntry struct {
	PurchaseToken string    `bson:"purchaseToken"`
	ProductID     string    `bson:"productId"`
	FromState     string    `bson:"fromState"`
	ToState       string    `bson:"toState"`
	Reason        string    `bson:"reason,omitempty"`
	Attempt       int       `bson:"attempt"`
	At            time.Time `bson:"at"`
}

// NewMongoDBJournal connects to MongoDB and prepares the journal collection.
func NewMongoDBJournal(connectionString, database, collection string) (*MongoDBJournal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection(collection)

	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "purchaseToken", Value: 1}}},
		{Keys: bson.D{{Key: "at", Value: -1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create journal indexes: %w", err)
	}

	return &MongoDBJournal{client: client, collection: coll}, nil
}

// Append records a transition.
func (j *MongoDBJournal) Append(ctx context.Context, entry Entry) error {
	doc := mongoEntry{
		PurchaseToken: entry.PurchaseToken,
		ProductID:     entry.ProductID,
		FromState:     entry.FromState,
		ToState:       entry.ToState,
		Reason:        entry.Reason,
		Attempt:       entry.Attempt,
		At:            entry.At.UTC(),
	}
	if _, err := j.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *MongoDBJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := j.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoEntry
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode journal entries: %w", err)
	}

	entries := make([]Entry, len(docs))
	for i, d := range docs {
		entries[i] = Entry{
			PurchaseToken: d.PurchaseToken,
			ProductID:     d.ProductID,
			FromState:     d.FromState,
			ToState:       d.ToState,
			Reason:        d.Reason,
			Attempt:       d.Attempt,
			At:            d.At,
		}
	}
	return entries, nil
}

// Close disconnects from MongoDB.
func (j *MongoDBJournal) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return j.client.Disconnect(ctx)
}
