//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"msgingest/internal/ingestion"
	"msgingest/internal/storage"
	"msgingest/pkg/migrations"
	"msgingest/pkg/models"
)

func TestMongoStore_SaveAndIndexes(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	ctx := context.Background()

	require.NoError(t, migrations.EnsureMessageCollection(ctx, infra.MongoDB, testCollection))
	// Second run is a no-op.
	require.NoError(t, migrations.EnsureMessageCollection(ctx, infra.MongoDB, testCollection))

	cursor, err := infra.MongoDB.Collection(testCollection).Indexes().List(ctx)
	require.NoError(t, err)
	var indexes []bson.M
	require.NoError(t, cursor.All(ctx, &indexes))
	names := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		names = append(names, idx["name"].(string))
	}
	assert.Contains(t, names, "idx_messages_id")
	assert.Contains(t, names, "idx_messages_timestamp")

	store := storage.NewMongoStore(infra.MongoDB, testCollection, 5*time.Second, createTestLogger())

	env := models.NewMessageEnvelopeBuilder().
		WithID("dup-1").
		WithSender("Ada", "ada@example.com").
		WithContent("hello").
		WithMetadata("tenant", "acme").
		Build()

	first := models.NewPersistedMessage(*env, "RabbitMQ", "High")
	second := models.NewPersistedMessage(*env, "RabbitMQ", "High")
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))
	assert.NotEqual(t, first.StorageID, second.StorageID)

	coll := infra.MongoDB.Collection(testCollection)
	assert.Equal(t, int64(2), countDocuments(t, coll, bson.M{"id": "dup-1"}))

	var stored models.PersistedMessage
	require.NoError(t, coll.FindOne(ctx, bson.M{"_id": first.StorageID}).Decode(&stored))
	assert.Equal(t, "RabbitMQ", stored.Source())
	assert.Equal(t, "High", stored.Priority())
	assert.Equal(t, "acme", stored.Metadata["tenant"])
	assert.Equal(t, "ada@example.com", stored.Email)
}

func TestRedisTracker_AgainstRedis(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	ctx := context.Background()

	tracker := ingestion.NewRedisTracker(infra.RedisClient, "redelivery:", time.Minute)

	for want := 1; want <= 3; want++ {
		n, err := tracker.Failed(ctx, "id:m-1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	ttl, err := infra.RedisClient.TTL(ctx, "redelivery:id:m-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, tracker.Clear(ctx, "id:m-1"))
	n, err := tracker.Failed(ctx, "id:m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
