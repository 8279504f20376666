package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateIngestion(cfg.Ingestion); err != nil {
		errors = append(errors, err)
	}

	if err := validateCircuitBreaker(cfg.CircuitBreaker); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 0 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.Port > 0 && (cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0) {
		return &ValidationError{
			Field:   "server.read_timeout",
			Message: "read and write timeouts must be positive",
		}
	}

	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return &ValidationError{
			Field:   "server.rate_limit",
			Message: "rps and burst must be non-negative",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	case "rabbitmq":
		return validateRabbitMQ(cfg.RabbitMQ)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: rabbitmq)", cfg.Type),
		}
	}
}

func validateRabbitMQ(cfg RabbitMQConfig) error {
	if cfg.URL == "" {
		return &ValidationError{
			Field:   "broker.rabbitmq.url",
			Message: "RabbitMQ URL is required",
		}
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		return &ValidationError{
			Field:   "broker.rabbitmq.url",
			Message: "RabbitMQ URL must start with amqp:// or amqps://",
		}
	}

	if cfg.Queue == "" {
		return &ValidationError{
			Field:   "broker.rabbitmq.queue",
			Message: "queue name is required",
		}
	}

	if cfg.DeadLetterQueue == cfg.Queue {
		return &ValidationError{
			Field:   "broker.rabbitmq.dead_letter_queue",
			Message: "dead-letter queue must differ from the consumed queue",
		}
	}

	if cfg.Prefetch < 1 {
		return &ValidationError{
			Field:   "broker.rabbitmq.prefetch",
			Message: fmt.Sprintf("prefetch must be at least 1, got %d", cfg.Prefetch),
		}
	}

	if cfg.Workers < 1 {
		return &ValidationError{
			Field:   "broker.rabbitmq.workers",
			Message: fmt.Sprintf("workers must be at least 1, got %d", cfg.Workers),
		}
	}

	if cfg.MaxDeliveries < 0 {
		return &ValidationError{
			Field:   "broker.rabbitmq.max_deliveries",
			Message: "max_deliveries must be non-negative",
		}
	}

	return validateRetry("broker.rabbitmq.reconnect", cfg.Reconnect)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   prefix + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 || cfg.MaxInterval < 0 || cfg.MaxElapsedTime < 0 {
		return &ValidationError{
			Field:   prefix,
			Message: "intervals must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   prefix + ".multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if err := validateMongoDB(cfg.MongoDB); err != nil {
		return err
	}

	if cfg.Redis.Host != "" {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	if cfg.Collection == "" {
		return &ValidationError{
			Field:   "database.mongodb.collection",
			Message: "MongoDB collection name is required",
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.DB < 0 {
		return &ValidationError{
			Field:   "database.redis.db",
			Message: "db must be non-negative",
		}
	}

	return nil
}

func validateIngestion(cfg IngestionConfig) error {
	if cfg.SourceTag == "" {
		return &ValidationError{
			Field:   "ingestion.source_tag",
			Message: "source tag is required",
		}
	}

	if cfg.DefaultPriority == "" {
		return &ValidationError{
			Field:   "ingestion.default_priority",
			Message: "default priority is required",
		}
	}

	if cfg.HandleTimeout < 0 {
		return &ValidationError{
			Field:   "ingestion.handle_timeout",
			Message: "handle_timeout must be non-negative",
		}
	}

	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return &ValidationError{
			Field:   "ingestion.rate_limit",
			Message: "rps and burst must be non-negative",
		}
	}

	if cfg.Redelivery.TTL <= 0 {
		return &ValidationError{
			Field:   "ingestion.redelivery.ttl",
			Message: "redelivery ttl must be positive",
		}
	}

	if cfg.Redelivery.RequeueDelay < 0 || cfg.Redelivery.MaxRequeueDelay < 0 {
		return &ValidationError{
			Field:   "ingestion.redelivery.requeue_delay",
			Message: "requeue delays must be non-negative",
		}
	}

	return nil
}

func validateCircuitBreaker(cfg CircuitBreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		return &ValidationError{
			Field:   "circuit_breaker.failure_ratio",
			Message: fmt.Sprintf("failure_ratio must be in (0, 1], got %v", cfg.FailureRatio),
		}
	}

	return nil
}
