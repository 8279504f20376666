package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestionMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_messages_total",
			Help: "Total number of deliveries handled by the ingestion worker, by outcome (count)",
		},
		[]string{"outcome"},
	)

	IngestionHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestion_handle_duration_ms",
			Help:    "Time from delivery to ack/nack in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"outcome"},
	)

	DeadLetteredMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_dead_lettered_total",
			Help: "Total number of deliveries rejected without requeue (count)",
		},
		[]string{"reason"},
	)

	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_writes_total",
			Help: "Total number of document store writes (count)",
		},
		[]string{"collection", "status"},
	)

	StoreWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_write_duration_ms",
			Help:    "Duration of document store writes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"collection"},
	)

	BrokerDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Total number of deliveries received from the broker (count)",
		},
		[]string{"queue", "redelivered"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of delivered message bodies in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"queue"},
	)

	BrokerInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_in_flight_messages",
			Help: "Deliveries currently being handled (count)",
		},
		[]string{"queue"},
	)

	BrokerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connected",
			Help: "Whether the broker connection is open (1) or not (0)",
		},
	)

	BrokerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Total number of broker reconnect attempts (count)",
		},
		[]string{"status"},
	)

	RedeliveryTrackerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redelivery_tracker_errors_total",
			Help: "Total number of redelivery tracker failures (count)",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	OpsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_http_requests_total",
			Help: "Total number of ops HTTP requests (count)",
		},
		[]string{"path", "status"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_rate_limit_requests_total",
			Help: "Ops HTTP requests seen by the rate limiter, by result (count)",
		},
		[]string{"result"},
	)
)

func RegisterIngestionMetrics() {
	prometheus.MustRegister(IngestionMessagesTotal)
	prometheus.MustRegister(IngestionHandleDuration)
	prometheus.MustRegister(DeadLetteredMessagesTotal)
	prometheus.MustRegister(RedeliveryTrackerErrorsTotal)
}

func RegisterStoreMetrics() {
	prometheus.MustRegister(StoreWritesTotal)
	prometheus.MustRegister(StoreWriteDuration)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(BrokerDeliveriesTotal)
	prometheus.MustRegister(BrokerMessageSizeBytes)
	prometheus.MustRegister(BrokerInFlight)
	prometheus.MustRegister(BrokerConnected)
	prometheus.MustRegister(BrokerReconnectsTotal)
}

func RegisterOpsMetrics() {
	prometheus.MustRegister(OpsRequestsTotal)
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func ObserveHandled(outcome string, duration time.Duration) {
	IngestionMessagesTotal.WithLabelValues(outcome).Inc()
	IngestionHandleDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func IncDeadLettered(reason string) {
	DeadLetteredMessagesTotal.WithLabelValues(reason).Inc()
}

func ObserveStoreWrite(collection, status string, duration time.Duration) {
	StoreWritesTotal.WithLabelValues(collection, status).Inc()
	StoreWriteDuration.WithLabelValues(collection).Observe(float64(duration.Milliseconds()))
}

func ObserveDelivery(queue string, redelivered bool, sizeBytes int) {
	label := "false"
	if redelivered {
		label = "true"
	}
	BrokerDeliveriesTotal.WithLabelValues(queue, label).Inc()
	BrokerMessageSizeBytes.WithLabelValues(queue).Observe(float64(sizeBytes))
}

func SetBrokerConnected(connected bool) {
	if connected {
		BrokerConnected.Set(1)
		return
	}
	BrokerConnected.Set(0)
}

func IncBrokerReconnect(status string) {
	BrokerReconnectsTotal.WithLabelValues(status).Inc()
}

func IncRedeliveryTrackerError(operation string) {
	RedeliveryTrackerErrorsTotal.WithLabelValues(operation).Inc()
}
