package constants

import "time"

const (
	ServiceName = "ingestion-service"
)

const (
	DefaultQueue           = "messages"
	DefaultDeadLetterQueue = "messages.dlq"
	DefaultPrefetch        = 10
	DefaultWorkers         = 4
	DefaultMaxDeliveries   = 5
)

const (
	DefaultMongoDBName = "rabbitmq_example"
	DefaultCollection  = "messages"
)

// Enrichment stamped on every persisted message.
const (
	DefaultSourceTag = "RabbitMQ"
	DefaultPriority  = "High"
)

const (
	RedeliveryKeyPrefix = "redelivery:"
)

const (
	ShutdownTimeout    = 30 * time.Second
	HealthCheckTimeout = 5 * time.Second
)

// Headers RabbitMQ uses to report prior deliveries.
const (
	HeaderDeliveryCount = "x-delivery-count"
	HeaderDeath         = "x-death"
)

// Dead-letter reasons used in logs and metrics.
const (
	ReasonDecodeError   = "decode_error"
	ReasonMaxDeliveries = "max_deliveries_exceeded"
	ReasonFatalError    = "fatal_error"
	ReasonPanic         = "panic"
)
