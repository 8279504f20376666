package storage

import (
	"context"
	"fmt"

	"msgingest/internal/config"
	"msgingest/pkg/circuitbreaker"
	apperrors "msgingest/pkg/errors"
	"msgingest/pkg/models"
)

// CircuitBreakerStore fails fast while the underlying store keeps failing.
// Only retryable errors count against the breaker; a single bad document
// does not trip it.
type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(store Store, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	if !cfg.Enabled {
		return &CircuitBreakerStore{store: store}
	}

	cbConfig := circuitbreaker.DefaultConfig("mongodb-messages")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = circuitbreaker.RatioTrip(cfg.MinRequests, cfg.FailureRatio)
	}
	cbConfig.IsSuccessful = func(err error) bool {
		return !apperrors.IsRetryable(err)
	}

	return &CircuitBreakerStore{
		store: store,
		cb:    circuitbreaker.NewWrapper(cbConfig),
	}
}

func (s *CircuitBreakerStore) Save(ctx context.Context, msg *models.PersistedMessage) error {
	if s.cb == nil {
		return s.store.Save(ctx, msg)
	}

	_, err := s.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.store.Save(ctx, msg)
	})
	if err == nil {
		return nil
	}

	if circuitbreaker.IsRejection(err) {
		return apperrors.ErrPersistence.
			WithMessage(fmt.Sprintf("circuit breaker is open for %s", s.cb.Name())).
			WithCause(err).
			AsRetryable()
	}
	if apperrors.IsPersistence(err) {
		return err
	}
	return apperrors.ErrPersistence.WithCause(err).AsRetryable()
}

func (s *CircuitBreakerStore) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) IsOpen() bool {
	if s.cb == nil {
		return false
	}
	return s.cb.IsOpen()
}
