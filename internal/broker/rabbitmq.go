package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"msgingest/internal/config"
	"msgingest/internal/logger"
	apperrors "msgingest/pkg/errors"
	"msgingest/pkg/logging"
	"msgingest/pkg/metrics"
	"msgingest/pkg/retry"
	"msgingest/pkg/tracing"
)

const defaultDialTimeout = 30 * time.Second

type RabbitMQConnector struct {
	cfg         config.RabbitMQConfig
	logger      logger.Logger
	serviceName string

	mu   sync.RWMutex
	conn *amqp.Connection
}

func NewRabbitMQConnector(cfg config.RabbitMQConfig, log logger.Logger) *RabbitMQConnector {
	return &RabbitMQConnector{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}
}

func (c *RabbitMQConnector) SetServiceName(name string) {
	c.serviceName = name
}

func (c *RabbitMQConnector) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
		Properties: amqp.Table{
			"connection_name": c.serviceName,
		},
	})
	if err != nil {
		metrics.SetBrokerConnected(false)
		return apperrors.ErrConnection.
			WithMessage(fmt.Sprintf("failed to connect to RabbitMQ at %s", redactURL(c.cfg.URL))).
			WithCause(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	metrics.SetBrokerConnected(true)
	c.logger.Infow("Connected to RabbitMQ",
		"url", redactURL(c.cfg.URL),
		"service_name", c.serviceName,
	)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			c.logger.Warnw("RabbitMQ connection closed",
				"code", amqpErr.Code,
				"reason", amqpErr.Reason,
				"server", amqpErr.Server,
			)
		}
		c.connectionLost(conn)
	}()

	return nil
}

// connectionLost clears the connected gauge unless conn has already been
// replaced by a reconnect.
func (c *RabbitMQConnector) connectionLost(conn *amqp.Connection) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == conn {
		metrics.SetBrokerConnected(false)
	}
}

func (c *RabbitMQConnector) connection() (*amqp.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil, apperrors.ErrConnection.WithMessage("not connected to RabbitMQ")
	}
	return c.conn, nil
}

func (c *RabbitMQConnector) IsConnected() bool {
	_, err := c.connection()
	return err == nil
}

// DeclareQueue makes sure name exists, creating the dead-letter queue first
// when one is configured. A queue that already exists is left as it is, so
// declaring with different arguments never fails against live queues.
func (c *RabbitMQConnector) DeclareQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var args amqp.Table
	if dlq := c.cfg.DeadLetterQueue; dlq != "" && dlq != name {
		if err := c.ensureQueue(dlq, nil); err != nil {
			return err
		}
		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}
	}

	return c.ensureQueue(name, args)
}

func (c *RabbitMQConnector) ensureQueue(name string, args amqp.Table) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	passive, err := conn.Channel()
	if err != nil {
		return apperrors.ErrConnection.WithMessage("failed to open channel").WithCause(err)
	}

	_, err = passive.QueueDeclarePassive(name, true, false, false, false, nil)
	if err == nil {
		_ = passive.Close()
		c.logger.Debugw("Queue already exists", "queue", name)
		return nil
	}

	// A failed passive declare closes the channel.
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.NotFound {
		return apperrors.ErrConnection.
			WithMessage(fmt.Sprintf("failed to inspect queue %s", name)).
			WithCause(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return apperrors.ErrConnection.WithMessage("failed to open channel").WithCause(err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return apperrors.ErrConnection.
			WithMessage(fmt.Sprintf("failed to declare queue %s", name)).
			WithCause(err)
	}

	c.logger.Infow("Declared queue",
		"queue", name,
		"dead_letter_queue", c.cfg.DeadLetterQueue,
	)
	return nil
}

// Subscribe consumes queue with manual acknowledgements until ctx is
// canceled. A lost connection is re-established with backoff; when the
// reconnect policy is exhausted a connection error is returned.
func (c *RabbitMQConnector) Subscribe(ctx context.Context, queue string, handler HandlerFunc) error {
	for {
		err := c.consume(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warnw("Consumer interrupted, reconnecting",
			"queue", queue,
			"error", err,
		)
		metrics.SetBrokerConnected(false)

		if err := c.reconnect(ctx, queue); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *RabbitMQConnector) reconnect(ctx context.Context, queue string) error {
	_ = c.Close()

	r := c.cfg.Reconnect
	policy := retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		MaxElapsedTime:  r.MaxElapsedTime,
	}

	err := retry.RetryWithCallback(ctx, policy, func() error {
		if err := c.Connect(ctx); err != nil {
			metrics.IncBrokerReconnect("failure")
			return err
		}
		if err := c.DeclareQueue(ctx, queue); err != nil {
			metrics.IncBrokerReconnect("failure")
			_ = c.Close()
			return err
		}
		metrics.IncBrokerReconnect("success")
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		c.logger.Warnw("Reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	if err != nil {
		return apperrors.ErrConnection.WithMessage("failed to reconnect to RabbitMQ").WithCause(err)
	}

	c.logger.Infow("Reconnected to RabbitMQ", "queue", queue)
	return nil
}

// consume runs one consumer session on a fresh channel. It returns nil once
// ctx is canceled and every in-flight delivery is resolved, or an error when
// the channel goes away underneath it.
func (c *RabbitMQConnector) consume(ctx context.Context, queue string, handler HandlerFunc) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return apperrors.ErrConnection.WithMessage("failed to open channel").WithCause(err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return apperrors.ErrConnection.WithMessage("failed to set prefetch").WithCause(err)
	}

	canceled := ch.NotifyCancel(make(chan string, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	tag := c.consumerTag()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return apperrors.ErrConnection.
			WithMessage(fmt.Sprintf("failed to consume queue %s", queue)).
			WithCause(err)
	}

	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming",
		"queue", queue,
		"consumer_tag", tag,
		"prefetch", c.cfg.Prefetch,
		"workers", c.cfg.Workers,
	)

	wg := c.startWorkers(ctx, queue, deliveries, handler)

	return c.awaitSession(consumeCtx, queue, session{
		closed:   chClosed,
		canceled: canceled,
		workers:  wg,
		cancel: func() error {
			return ch.Cancel(tag, false)
		},
	})
}

// session is one running consumer as seen by awaitSession.
type session struct {
	closed   <-chan *amqp.Error
	canceled <-chan string
	workers  *sync.WaitGroup
	cancel   func() error
}

// awaitSession blocks until the consumer ends and every in-flight delivery is
// resolved. It returns nil only when ctx is canceled. A server-side
// basic.cancel (queue deleted, node failover) is a connection error.
func (c *RabbitMQConnector) awaitSession(ctx context.Context, queue string, s session) error {
	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()

	select {
	case <-ctx.Done():
		if err := s.cancel(); err != nil {
			c.logger.WarnwCtx(ctx, "Failed to cancel consumer", "error", err)
		}
		<-drained
		c.logger.InfowCtx(ctx, "Stopped consuming",
			"queue", queue,
			"reason", "context canceled",
		)
		return nil
	case amqpErr := <-s.closed:
		<-drained
		return channelClosedError(amqpErr)
	case tag, ok := <-s.canceled:
		<-drained
		return consumerCanceledError(queue, tag, ok)
	case <-drained:
		// The stream usually ends because of a close or cancel that is
		// already queued; report that one when present.
		select {
		case amqpErr := <-s.closed:
			return channelClosedError(amqpErr)
		case tag, ok := <-s.canceled:
			return consumerCanceledError(queue, tag, ok)
		default:
		}
		return apperrors.ErrConnection.
			WithMessage("delivery stream ended").
			WithDetail("queue", queue)
	}
}

func channelClosedError(amqpErr *amqp.Error) error {
	if amqpErr == nil {
		return apperrors.ErrConnection.WithMessage("channel closed")
	}
	return apperrors.ErrConnection.WithMessage("channel closed").WithCause(amqpErr)
}

func consumerCanceledError(queue, tag string, ok bool) error {
	if !ok {
		return apperrors.ErrConnection.WithMessage("channel closed")
	}
	return apperrors.ErrConnection.
		WithMessage(fmt.Sprintf("consumer %s canceled by broker", tag)).
		WithDetail("queue", queue)
}

// startWorkers drains deliveries with a fixed pool. The returned group
// completes once deliveries is closed and every handler has returned.
func (c *RabbitMQConnector) startWorkers(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler HandlerFunc) *sync.WaitGroup {
	workers := c.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range deliveries {
				c.dispatch(ctx, queue, raw, handler)
			}
		}()
	}
	return &wg
}

func (c *RabbitMQConnector) dispatch(ctx context.Context, queue string, raw amqp.Delivery, handler HandlerFunc) {
	d := NewDelivery(raw, queue)

	metrics.ObserveDelivery(queue, d.Redelivered, len(d.Body))
	inFlight := metrics.BrokerInFlight.WithLabelValues(queue)
	inFlight.Inc()
	defer inFlight.Dec()

	// In-flight work finishes even when shutdown has begun.
	msgCtx, span := tracing.StartSpanFromDelivery(context.WithoutCancel(ctx), "amqp.consume", queue, d.Headers,
		attribute.Int64("messaging.rabbitmq.delivery_tag", int64(d.DeliveryTag)),
		attribute.Bool("messaging.rabbitmq.redelivered", d.Redelivered),
	)
	defer span.End()

	msgCtx = logging.WithServiceName(msgCtx, c.serviceName)
	msgCtx = logging.WithDeliveryTag(msgCtx, d.DeliveryTag)
	traceID := tracing.TraceIDFromContext(msgCtx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	msgCtx = logging.WithTraceID(msgCtx, traceID)
	if d.MessageID != "" {
		msgCtx = logging.WithMessageID(msgCtx, d.MessageID)
	}

	if err := c.safeHandle(msgCtx, handler, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.ErrorwCtx(msgCtx, "Handler returned error",
			"error", err,
			"queue", queue,
		)
	}

	if !d.Resolved() {
		c.logger.WarnwCtx(msgCtx, "Handler left delivery unresolved, requeueing",
			"queue", queue,
		)
		if err := d.Nack(true); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			c.logger.ErrorwCtx(msgCtx, "Failed to requeue delivery",
				"error", err,
				"queue", queue,
			)
		}
	}
}

func (c *RabbitMQConnector) safeHandle(ctx context.Context, handler HandlerFunc, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
		}
	}()
	return handler(ctx, d)
}

func (c *RabbitMQConnector) consumerTag() string {
	if c.cfg.ConsumerTag != "" {
		return c.cfg.ConsumerTag
	}
	return fmt.Sprintf("%s-%s", c.serviceName, uuid.NewString())
}

func (c *RabbitMQConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	metrics.SetBrokerConnected(false)

	if conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
