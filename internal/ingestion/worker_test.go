package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/time/rate"

	"msgingest/internal/broker"
	"msgingest/internal/config"
	"msgingest/internal/logger"
	apperrors "msgingest/pkg/errors"
	"msgingest/pkg/metrics"
	"msgingest/pkg/models"
)

type memoryStore struct {
	mu          sync.Mutex
	docs        []models.PersistedMessage
	err         error
	panicOnSave bool
}

func (s *memoryStore) Save(ctx context.Context, msg *models.PersistedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnSave {
		panic("store exploded")
	}
	if s.err != nil {
		return s.err
	}
	msg.StorageID = primitive.NewObjectID()
	s.docs = append(s.docs, *msg)
	return nil
}

func (s *memoryStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memoryStore) all() []models.PersistedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PersistedMessage(nil), s.docs...)
}

type nack struct {
	tag     uint64
	requeue bool
}

type recordingAcker struct {
	mu     sync.Mutex
	acks   []uint64
	nacks  []nack
	ackErr error
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return a.ackErr
}

func (a *recordingAcker) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nack{tag: tag, requeue: requeue})
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *recordingAcker) snapshot() ([]uint64, []nack) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...), append([]nack(nil), a.nacks...)
}

type failingTracker struct{}

func (failingTracker) Failed(ctx context.Context, key string) (int, error) {
	return 0, errors.New("tracker down")
}

func (failingTracker) Clear(ctx context.Context, key string) error {
	return errors.New("tracker down")
}

var errTransient = apperrors.ErrPersistence.WithCause(errors.New("connection refused")).AsRetryable()

func validBody(t *testing.T, id string) []byte {
	t.Helper()
	env := models.NewMessageEnvelopeBuilder().
		WithID(id).
		WithSender("Ada", "ada@example.com").
		WithContent("hello").
		WithTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)).
		WithMetadata("tenant", "acme").
		Build()
	body, err := Encode(env)
	require.NoError(t, err)
	return body
}

func delivery(acker amqp.Acknowledger, tag uint64, body []byte, redelivered bool, headers amqp.Table) *broker.Delivery {
	return broker.NewDelivery(amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		Body:         body,
		Redelivered:  redelivered,
		Headers:      headers,
	}, "messages")
}

func newTestWorker(store *memoryStore, tracker RedeliveryTracker, maxDeliveries int) *Worker {
	return NewWorker(store, tracker, Options{
		SourceTag:       "RabbitMQ",
		DefaultPriority: "High",
		MaxDeliveries:   maxDeliveries,
		HandleTimeout:   time.Second,
	}, logger.NopLogger())
}

func TestHandle_ValidMessageIsStoredAndAcked(t *testing.T) {
	store := &memoryStore{}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	outcome, err := w.Handle(context.Background(), delivery(acker, 1, validBody(t, "m-1"), false, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcked, outcome)

	docs := store.all()
	require.Len(t, docs, 1)
	assert.Equal(t, "m-1", docs[0].ID)
	assert.Equal(t, "RabbitMQ", docs[0].Source())
	assert.Equal(t, "High", docs[0].Priority())
	assert.Equal(t, "acme", docs[0].Metadata["tenant"])
	assert.False(t, docs[0].StorageID.IsZero())

	acks, nacks := acker.snapshot()
	assert.Equal(t, []uint64{1}, acks)
	assert.Empty(t, nacks)
}

func TestHandle_MalformedMessageIsRejected(t *testing.T) {
	store := &memoryStore{}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	outcome, err := w.Handle(context.Background(), delivery(acker, 2, []byte("{not json"), false, nil))
	require.Error(t, err)
	assert.True(t, apperrors.IsDecode(err))
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Empty(t, store.all())

	acks, nacks := acker.snapshot()
	assert.Empty(t, acks)
	assert.Equal(t, []nack{{tag: 2, requeue: false}}, nacks)
}

func TestHandle_MissingFieldIsRejected(t *testing.T) {
	store := &memoryStore{}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	body := []byte(`{"id":"m-3","name":"n","email":"e","timestamp":"2024-01-02T03:04:05Z"}`)
	outcome, err := w.Handle(context.Background(), delivery(acker, 3, body, false, nil))
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Empty(t, store.all())

	id, ok := apperrors.Detail(err, "id")
	require.True(t, ok)
	assert.Equal(t, "m-3", id)
}

func TestHandle_StoreOutageThenRecovery(t *testing.T) {
	store := &memoryStore{err: errTransient}
	tracker := NewMemoryTracker(time.Hour)
	acker := &recordingAcker{}
	w := newTestWorker(store, tracker, 5)
	body := validBody(t, "m-4")

	outcome, err := w.Handle(context.Background(), delivery(acker, 1, body, false, nil))
	require.Error(t, err)
	assert.True(t, apperrors.IsPersistence(err))
	assert.Equal(t, OutcomeNackedForRetry, outcome)
	assert.Empty(t, store.all())
	assert.Equal(t, 1, tracker.Len())

	store.setErr(nil)

	outcome, err = w.Handle(context.Background(), delivery(acker, 2, body, true, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcked, outcome)
	assert.Len(t, store.all(), 1)
	assert.Zero(t, tracker.Len())

	acks, nacks := acker.snapshot()
	assert.Equal(t, []uint64{2}, acks)
	assert.Equal(t, []nack{{tag: 1, requeue: true}}, nacks)
}

func TestHandle_FatalStoreErrorIsRejected(t *testing.T) {
	store := &memoryStore{err: apperrors.ErrPersistence.WithMessage("document too large").AsFatal()}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	outcome, err := w.Handle(context.Background(), delivery(acker, 5, validBody(t, "m-5"), false, nil))
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	_, nacks := acker.snapshot()
	assert.Equal(t, []nack{{tag: 5, requeue: false}}, nacks)
}

func TestHandle_DeadLettersAfterMaxDeliveries(t *testing.T) {
	store := &memoryStore{err: errTransient}
	tracker := NewMemoryTracker(time.Hour)
	acker := &recordingAcker{}
	w := newTestWorker(store, tracker, 3)
	body := validBody(t, "m-6")

	want := []Outcome{OutcomeNackedForRetry, OutcomeNackedForRetry, OutcomeRejected}
	for i, expected := range want {
		outcome, _ := w.Handle(context.Background(), delivery(acker, uint64(i+1), body, i > 0, nil))
		assert.Equal(t, expected, outcome, "attempt %d", i+1)
	}

	_, nacks := acker.snapshot()
	assert.Equal(t, []nack{
		{tag: 1, requeue: true},
		{tag: 2, requeue: true},
		{tag: 3, requeue: false},
	}, nacks)
	assert.Zero(t, tracker.Len())
}

func TestHandle_DeliveryCountHeaderWinsOverTracker(t *testing.T) {
	store := &memoryStore{err: errTransient}
	tracker := NewMemoryTracker(time.Hour)
	acker := &recordingAcker{}
	w := newTestWorker(store, tracker, 5)

	headers := amqp.Table{"x-delivery-count": int64(4)}
	outcome, _ := w.Handle(context.Background(), delivery(acker, 1, validBody(t, "m-7"), true, headers))

	assert.Equal(t, OutcomeRejected, outcome)
	assert.Zero(t, tracker.Len())
}

func TestHandle_UnlimitedDeliveries(t *testing.T) {
	store := &memoryStore{err: errTransient}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 0)
	body := validBody(t, "m-8")

	for i := 1; i <= 20; i++ {
		outcome, _ := w.Handle(context.Background(), delivery(acker, uint64(i), body, i > 1, nil))
		require.Equal(t, OutcomeNackedForRetry, outcome)
	}
}

func TestHandle_TrackerFailureRequeues(t *testing.T) {
	store := &memoryStore{err: errTransient}
	acker := &recordingAcker{}
	w := newTestWorker(store, failingTracker{}, 1)

	outcome, _ := w.Handle(context.Background(), delivery(acker, 1, validBody(t, "m-9"), false, nil))
	assert.Equal(t, OutcomeNackedForRetry, outcome)

	_, nacks := acker.snapshot()
	assert.Equal(t, []nack{{tag: 1, requeue: true}}, nacks)
}

func TestHandle_RedeliveriesMayDuplicate(t *testing.T) {
	const deliveries = 4
	store := &memoryStore{}
	failingAcker := &recordingAcker{ackErr: errors.New("channel closed")}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)
	body := validBody(t, "dup")

	ackedBefore := testutil.ToFloat64(metrics.IngestionMessagesTotal.WithLabelValues(string(OutcomeAcked)))
	failedBefore := testutil.ToFloat64(metrics.IngestionMessagesTotal.WithLabelValues(string(OutcomeAckFailed)))

	for i := 1; i < deliveries; i++ {
		outcome, err := w.Handle(context.Background(), delivery(failingAcker, uint64(i), body, i > 1, nil))
		require.Error(t, err)
		assert.True(t, apperrors.IsConnection(err))
		assert.Equal(t, OutcomeAckFailed, outcome)
	}

	assert.Equal(t, ackedBefore, testutil.ToFloat64(metrics.IngestionMessagesTotal.WithLabelValues(string(OutcomeAcked))))
	assert.Equal(t, failedBefore+deliveries-1, testutil.ToFloat64(metrics.IngestionMessagesTotal.WithLabelValues(string(OutcomeAckFailed))))

	okAcker := &recordingAcker{}
	outcome, err := w.Handle(context.Background(), delivery(okAcker, deliveries, body, true, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcked, outcome)

	docs := store.all()
	assert.Len(t, docs, deliveries)
	seen := map[primitive.ObjectID]bool{}
	for _, d := range docs {
		assert.Equal(t, "dup", d.ID)
		assert.False(t, seen[d.StorageID], "storage ids must be distinct")
		seen[d.StorageID] = true
	}
}

func TestHandle_PanicIsRejected(t *testing.T) {
	store := &memoryStore{panicOnSave: true}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	var (
		outcome Outcome
		err     error
	)
	require.NotPanics(t, func() {
		outcome, err = w.Handle(context.Background(), delivery(acker, 1, validBody(t, "m-10"), false, nil))
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	_, nacks := acker.snapshot()
	assert.Equal(t, []nack{{tag: 1, requeue: false}}, nacks)
}

func TestHandle_ConcurrentDeliveries(t *testing.T) {
	const total = 200
	store := &memoryStore{}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	var wg sync.WaitGroup
	for i := 1; i <= total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := validBody(t, fmt.Sprintf("c-%d", i))
			outcome, err := w.Handle(context.Background(), delivery(acker, uint64(i), body, false, nil))
			assert.NoError(t, err)
			assert.Equal(t, OutcomeAcked, outcome)
		}(i)
	}
	wg.Wait()

	acks, nacks := acker.snapshot()
	assert.Len(t, store.all(), total)
	assert.Len(t, acks, total)
	assert.Empty(t, nacks)
}

func TestHandle_RateLimitedDeliveryIsRequeuedOnCancel(t *testing.T) {
	store := &memoryStore{}
	acker := &recordingAcker{}
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())

	w := NewWorker(store, nil, Options{Limiter: limiter}, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := w.Handle(ctx, delivery(acker, 1, validBody(t, "m-11"), false, nil))
	require.Error(t, err)
	assert.Equal(t, OutcomeNackedForRetry, outcome)
	assert.Empty(t, store.all())

	_, nacks := acker.snapshot()
	assert.Equal(t, []nack{{tag: 1, requeue: true}}, nacks)
}

func TestHandle_RequeueDelay(t *testing.T) {
	store := &memoryStore{err: errTransient}
	acker := &recordingAcker{}
	w := NewWorker(store, NewMemoryTracker(time.Hour), Options{
		MaxDeliveries:   5,
		RequeueDelay:    20 * time.Millisecond,
		MaxRequeueDelay: time.Second,
	}, logger.NopLogger())

	start := time.Now()
	outcome, _ := w.Handle(context.Background(), delivery(acker, 1, validBody(t, "m-12"), false, nil))
	assert.Equal(t, OutcomeNackedForRetry, outcome)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestHandle_RecordsOutcomeMetrics(t *testing.T) {
	store := &memoryStore{}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	rejected := metrics.IngestionMessagesTotal.WithLabelValues(string(OutcomeRejected))
	deadLettered := metrics.DeadLetteredMessagesTotal.WithLabelValues("decode_error")
	beforeRejected := testutil.ToFloat64(rejected)
	beforeDead := testutil.ToFloat64(deadLettered)

	_, _ = w.Handle(context.Background(), delivery(acker, 1, []byte("garbage"), false, nil))

	assert.Equal(t, beforeRejected+1, testutil.ToFloat64(rejected))
	assert.Equal(t, beforeDead+1, testutil.ToFloat64(deadLettered))
}

func TestHandlerFunc_ResolvesDelivery(t *testing.T) {
	store := &memoryStore{}
	acker := &recordingAcker{}
	w := newTestWorker(store, NewMemoryTracker(time.Hour), 5)

	d := delivery(acker, 1, []byte("garbage"), false, nil)
	require.NoError(t, w.HandlerFunc()(context.Background(), d))
	assert.True(t, d.Resolved())
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.IngestionConfig{
		SourceTag:       "RabbitMQ",
		DefaultPriority: "High",
		HandleTimeout:   time.Second,
		RateLimit:       config.RateLimitConfig{RPS: 50},
		Redelivery: config.RedeliveryConfig{
			RequeueDelay:    time.Millisecond,
			MaxRequeueDelay: time.Second,
		},
	}, config.RabbitMQConfig{MaxDeliveries: 7})

	assert.Equal(t, 7, opts.MaxDeliveries)
	assert.Equal(t, time.Second, opts.HandleTimeout)
	require.NotNil(t, opts.Limiter)
	assert.Equal(t, rate.Limit(50), opts.Limiter.Limit())
	assert.Equal(t, 1, opts.Limiter.Burst())

	assert.Nil(t, OptionsFromConfig(config.IngestionConfig{}, config.RabbitMQConfig{}).Limiter)
}
