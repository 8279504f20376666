package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"msgingest/internal/logger"
	apperrors "msgingest/pkg/errors"
	"msgingest/pkg/logging"
	"msgingest/pkg/metrics"
	"msgingest/pkg/models"
)

// Server error codes that no amount of retrying will fix.
var fatalWriteCodes = map[int]bool{
	2:     true, // BadValue
	10334: true, // BSONObjectTooLarge
	11000: true, // DuplicateKey
	17280: true, // KeyTooLong
}

type MongoStore struct {
	collection   *mongo.Collection
	writeTimeout time.Duration
	logger       logger.Logger
}

func NewMongoStore(db *mongo.Database, collection string, writeTimeout time.Duration, log logger.Logger) *MongoStore {
	return &MongoStore{
		collection:   db.Collection(collection),
		writeTimeout: writeTimeout,
		logger:       log,
	}
}

// Save inserts msg as a new document. The storage id is assigned before the
// insert and left on msg, so callers can log it.
func (s *MongoStore) Save(ctx context.Context, msg *models.PersistedMessage) error {
	if msg == nil {
		return apperrors.ErrPersistence.WithMessage("nil message").AsFatal()
	}

	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	if msg.StorageID.IsZero() {
		msg.StorageID = primitive.NewObjectID()
	}

	start := time.Now()
	_, err := s.collection.InsertOne(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		metrics.ObserveStoreWrite(s.collection.Name(), "error", duration)
		appErr := classifyWriteError(err).WithDetail("id", msg.ID)
		s.logger.WarnwCtx(ctx, "Failed to insert message",
			"error", err,
			"collection", s.collection.Name(),
			"fatal", appErr.IsFatal(),
			"duration_ms", duration.Milliseconds(),
		)
		return appErr
	}

	metrics.ObserveStoreWrite(s.collection.Name(), "success", duration)
	s.logger.DebugwCtx(logging.WithMessageID(ctx, msg.ID), "Message inserted",
		"collection", s.collection.Name(),
		"storage_id", msg.StorageID.Hex(),
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

func classifyWriteError(err error) *apperrors.Error {
	appErr := apperrors.ErrPersistence.WithCause(err)

	if isFatalWriteError(err) {
		return appErr.WithMessage("document rejected by the store").AsFatal()
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return appErr.WithMessage("write timed out").AsRetryable()
	}
	if mongo.IsNetworkError(err) {
		return appErr.WithMessage("store unreachable").AsRetryable()
	}
	return appErr.AsRetryable()
}

func isFatalWriteError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if fatalWriteCodes[e.Code] {
				return true
			}
		}
		return false
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		for code := range fatalWriteCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}

	// Marshalling failures never reach the server.
	var me mongo.MarshalError
	return errors.As(err, &me)
}
