package webhook

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoArchiver stores the full raw payload of every processed event as a
// document for audit and replay investigations. Postgres keeps the
// processing record; the archive keeps the evidence.
type MongoArchiver struct {
	coll *mongo.Collection
}

// NewMongoArchiver creates the archiver on the given database. Documents are
// upserted by external ID so redeliveries never duplicate.
func NewMongoArchiver(db *mongo.Database) *MongoArchiver {
	if db == nil {
		panic("webhook: mongo database is required")
	}
	return &MongoArchiver{coll: db.Collection("webhook_events")}
}

type archivedEvent struct {
	ExternalID    string    `bson:"_id"`
	Provider      string    `bson:"provider"`
	Type          string    `bson:"type"`
	ProviderSubID string    `bson:"provider_sub_id"`
	TransactionID string    `bson:"transaction_id,omitempty"`
	OccurredAt    time.Time `bson:"occurred_at"`
	ReceivedAt    time.Time `bson:"received_at"`
	ArchivedAt    time.Time `bson:"archived_at"`
	Payload       bson.M    `bson:"payload,omitempty"`
	RawPayload    string    `bson:"raw_payload,omitempty"`
}

func (a *MongoArchiver) Archive(ctx context.Context, event *Event) error {
	doc := archivedEvent{
		ExternalID:    event.ExternalID,
		Provider:      event.Provider,
		Type:          event.Type,
		ProviderSubID: event.ProviderSubID,
		TransactionID: event.TransactionID,
		OccurredAt:    event.OccurredAt,
		ReceivedAt:    event.ReceivedAt,
		ArchivedAt:    time.Now().UTC(),
	}

	// Store the payload as a queryable document when it is valid JSON,
	// falling back to the raw string otherwise.
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err == nil {
		doc.Payload = payload
	} else {
		doc.RawPayload = string(event.Payload)
	}

	_, err := a.coll.ReplaceOne(ctx,
		bson.M{"_id": event.ExternalID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}
