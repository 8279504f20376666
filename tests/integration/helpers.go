//go:build integration

package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"msgingest/internal/config"
	"msgingest/internal/logger"
	"msgingest/internal/storage"
	apperrors "msgingest/pkg/errors"
	"msgingest/pkg/models"
)

const (
	containerStartupTimeout = 60
	testDatabase            = "rabbitmq_example"
	testCollection          = "messages"
	eventuallyTimeout       = 20 * time.Second
	eventuallyTick          = 100 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestRabbitMQConfig(url, queue string) config.RabbitMQConfig {
	return config.RabbitMQConfig{
		URL:             url,
		Queue:           queue,
		DeadLetterQueue: queue + ".dlq",
		Prefetch:        10,
		Workers:         4,
		MaxDeliveries:   3,
		DialTimeout:     10 * time.Second,
		Reconnect: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
		},
	}
}

func publish(t *testing.T, url, queue string, body []byte) {
	t.Helper()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("failed to dial rabbitmq: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("failed to open channel: %v", err)
	}
	defer ch.Close()

	err = ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
}

func queueDepth(t *testing.T, url, queue string) int {
	t.Helper()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("failed to dial rabbitmq: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("failed to open channel: %v", err)
	}
	defer ch.Close()

	q, err := ch.QueueInspect(queue)
	if err != nil {
		t.Fatalf("failed to inspect queue %s: %v", queue, err)
	}
	return q.Messages
}

func countDocuments(t *testing.T, coll *mongo.Collection, filter bson.M) int64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		t.Fatalf("failed to count documents: %v", err)
	}
	return n
}

// flakyStore returns a retryable error for the first n saves.
type flakyStore struct {
	next  storage.Store
	n     int32
	calls atomic.Int32
}

func (s *flakyStore) Save(ctx context.Context, msg *models.PersistedMessage) error {
	if s.calls.Add(1) <= s.n {
		return apperrors.ErrPersistence.WithMessage("store unavailable")
	}
	return s.next.Save(ctx, msg)
}

func withChannel(t *testing.T, url string, fn func(ch *amqp.Channel) error) error {
	t.Helper()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("failed to dial rabbitmq: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("failed to open channel: %v", err)
	}
	defer ch.Close()

	return fn(ch)
}

func deleteQueue(t *testing.T, url, queue string) {
	t.Helper()

	err := withChannel(t, url, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(queue, false, false, false)
		return err
	})
	if err != nil {
		t.Fatalf("failed to delete queue %s: %v", queue, err)
	}
}

// queueExists reports whether queue is declared, with at least minConsumers
// consumers attached.
func queueExists(t *testing.T, url, queue string, minConsumers int) bool {
	t.Helper()

	var consumers int
	err := withChannel(t, url, func(ch *amqp.Channel) error {
		q, err := ch.QueueInspect(queue)
		consumers = q.Consumers
		return err
	})
	return err == nil && consumers >= minConsumers
}
