package ingestion

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"msgingest/internal/broker"
	"msgingest/internal/config"
	"msgingest/internal/constants"
	"msgingest/internal/logger"
	"msgingest/internal/storage"
	apperrors "msgingest/pkg/errors"
	"msgingest/pkg/logging"
	"msgingest/pkg/metrics"
	"msgingest/pkg/models"
	"msgingest/pkg/retry"
)

type Outcome string

const (
	OutcomeAcked          Outcome = "acked"
	OutcomeRejected       Outcome = "rejected"
	OutcomeNackedForRetry Outcome = "nacked_for_retry"
	// OutcomeAckFailed means the document is stored but the broker never
	// saw the ack and will redeliver.
	OutcomeAckFailed      Outcome = "ack_failed"
)

type Options struct {
	SourceTag       string
	DefaultPriority string
	// MaxDeliveries of zero requeues persistence failures forever.
	MaxDeliveries   int
	HandleTimeout   time.Duration
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration
	Limiter         *rate.Limiter
}

func OptionsFromConfig(ing config.IngestionConfig, rmq config.RabbitMQConfig) Options {
	opts := Options{
		SourceTag:       ing.SourceTag,
		DefaultPriority: ing.DefaultPriority,
		MaxDeliveries:   rmq.MaxDeliveries,
		HandleTimeout:   ing.HandleTimeout,
		RequeueDelay:    ing.Redelivery.RequeueDelay,
		MaxRequeueDelay: ing.Redelivery.MaxRequeueDelay,
	}
	if ing.RateLimit.RPS > 0 {
		burst := ing.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(ing.RateLimit.RPS), burst)
	}
	return opts
}

// Worker turns deliveries into stored documents. A delivery is acked only
// after the store confirmed the write.
type Worker struct {
	store   storage.Store
	tracker RedeliveryTracker
	logger  logger.Logger
	opts    Options
}

func NewWorker(store storage.Store, tracker RedeliveryTracker, opts Options, log logger.Logger) *Worker {
	if opts.SourceTag == "" {
		opts.SourceTag = constants.DefaultSourceTag
	}
	if opts.DefaultPriority == "" {
		opts.DefaultPriority = constants.DefaultPriority
	}
	if tracker == nil {
		tracker = NewMemoryTracker(time.Hour)
	}
	return &Worker{
		store:   store,
		tracker: tracker,
		logger:  log,
		opts:    opts,
	}
}

// HandlerFunc adapts the worker to the broker connector. Outcomes are
// logged and counted here, so nothing is reported back.
func (w *Worker) HandlerFunc() broker.HandlerFunc {
	return func(ctx context.Context, d *broker.Delivery) error {
		_, _ = w.Handle(ctx, d)
		return nil
	}
}

// Handle processes one delivery and resolves it exactly once. The returned
// error is the reason for a rejection or requeue, or a failed ack.
func (w *Worker) Handle(ctx context.Context, d *broker.Delivery) (outcome Outcome, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
			w.logger.ErrorwCtx(ctx, "Panic recovered while handling delivery",
				"error", err,
				"queue", d.Queue,
			)
			outcome = OutcomeRejected
			if !d.Resolved() {
				w.reject(ctx, d, constants.ReasonPanic)
			}
		}
		metrics.ObserveHandled(string(outcome), time.Since(start))
	}()

	if w.opts.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.HandleTimeout)
		defer cancel()
	}

	if w.opts.Limiter != nil {
		if err := w.opts.Limiter.Wait(ctx); err != nil {
			w.requeue(ctx, d)
			return OutcomeNackedForRetry, err
		}
	}

	env, err := Decode(d.Body)
	if err != nil {
		fields := []interface{}{"error", err, "queue", d.Queue}
		if id, ok := apperrors.Detail(err, "id"); ok {
			fields = append(fields, "message_id", id)
		}
		w.logger.WarnwCtx(ctx, "Rejecting undecodable message", fields...)
		w.reject(ctx, d, constants.ReasonDecodeError)
		return OutcomeRejected, err
	}

	ctx = logging.WithMessageID(ctx, env.ID)
	record := models.NewPersistedMessage(*env, w.opts.SourceTag, w.opts.DefaultPriority)

	if err := w.store.Save(ctx, record); err != nil {
		return w.handleSaveFailure(ctx, d, err), err
	}

	if err := d.Ack(); err != nil {
		// The document is stored; the broker will redeliver and a duplicate
		// document follows.
		w.logger.ErrorwCtx(ctx, "Failed to ack stored message",
			"error", err,
			"storage_id", record.StorageID.Hex(),
		)
		return OutcomeAckFailed, apperrors.ErrConnection.WithMessage("ack failed after save").WithCause(err)
	}

	if d.Redelivered {
		if _, counted := d.PriorDeliveries(); !counted {
			w.clearTracker(ctx, d)
		}
	}

	w.logger.InfowCtx(ctx, "Message stored",
		"storage_id", record.StorageID.Hex(),
		"redelivered", d.Redelivered,
	)
	return OutcomeAcked, nil
}

func (w *Worker) handleSaveFailure(ctx context.Context, d *broker.Delivery, saveErr error) Outcome {
	if !apperrors.IsRetryable(saveErr) {
		w.logger.ErrorwCtx(ctx, "Store rejected message permanently",
			"error", saveErr,
		)
		w.reject(ctx, d, constants.ReasonFatalError)
		return OutcomeRejected
	}

	attempt, known := w.attempt(ctx, d)
	if known && w.opts.MaxDeliveries > 0 && attempt >= w.opts.MaxDeliveries {
		w.logger.ErrorwCtx(ctx, "Giving up on message after repeated store failures",
			"error", saveErr,
			"attempt", attempt,
			"max_deliveries", w.opts.MaxDeliveries,
		)
		w.reject(ctx, d, constants.ReasonMaxDeliveries)
		w.clearTracker(ctx, d)
		return OutcomeRejected
	}

	w.logger.WarnwCtx(ctx, "Store failed, requeueing message",
		"error", saveErr,
		"attempt", attempt,
		"max_deliveries", w.opts.MaxDeliveries,
	)
	w.wait(ctx, attempt)
	w.requeue(ctx, d)
	return OutcomeNackedForRetry
}

// attempt numbers the current delivery, 1-based. Broker headers win over
// the tracker. A tracker failure reports the attempt as unknown so the
// message is requeued rather than dead-lettered.
func (w *Worker) attempt(ctx context.Context, d *broker.Delivery) (int, bool) {
	if prior, ok := d.PriorDeliveries(); ok {
		return prior + 1, true
	}

	n, err := w.tracker.Failed(ctx, d.Fingerprint())
	if err != nil {
		metrics.IncRedeliveryTrackerError("incr")
		w.logger.WarnwCtx(ctx, "Redelivery tracker unavailable",
			"error", err,
		)
		return 1, false
	}
	return n, true
}

func (w *Worker) clearTracker(ctx context.Context, d *broker.Delivery) {
	if err := w.tracker.Clear(ctx, d.Fingerprint()); err != nil {
		metrics.IncRedeliveryTrackerError("clear")
		w.logger.WarnwCtx(ctx, "Failed to clear redelivery count",
			"error", err,
		)
	}
}

func (w *Worker) wait(ctx context.Context, attempt int) {
	if w.opts.RequeueDelay <= 0 {
		return
	}
	maxDelay := w.opts.MaxRequeueDelay
	if maxDelay < w.opts.RequeueDelay {
		maxDelay = w.opts.RequeueDelay
	}

	timer := time.NewTimer(retry.CalculateBackoffDuration(attempt, w.opts.RequeueDelay, 2.0, maxDelay))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (w *Worker) requeue(ctx context.Context, d *broker.Delivery) {
	if err := d.Nack(true); err != nil {
		w.logger.ErrorwCtx(ctx, "Failed to requeue delivery",
			"error", err,
		)
	}
}

func (w *Worker) reject(ctx context.Context, d *broker.Delivery, reason string) {
	metrics.IncDeadLettered(reason)
	if err := d.Nack(false); err != nil {
		w.logger.ErrorwCtx(ctx, "Failed to reject delivery",
			"error", err,
			"reason", reason,
		)
	}
}
