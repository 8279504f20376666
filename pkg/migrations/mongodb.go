package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MessageIndexes are lookup indexes for the message collection. The logical
// id is not unique: redelivered messages are stored again.
func MessageIndexes(collection string) []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetName(fmt.Sprintf("idx_%s_id", collection)),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetName(fmt.Sprintf("idx_%s_timestamp", collection)),
		},
		{
			Keys:    bson.D{{Key: "metadata.source", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName(fmt.Sprintf("idx_%s_source_timestamp", collection)),
		},
	}
}

// EnsureMessageCollection creates the message indexes. The collection itself
// is created on first insert if it does not exist yet.
func EnsureMessageCollection(ctx context.Context, db *mongo.Database, collection string) error {
	_, err := db.Collection(collection).Indexes().CreateMany(ctx, MessageIndexes(collection))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
	}
	return nil
}
