package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveHandled(t *testing.T) {
	before := testutil.ToFloat64(IngestionMessagesTotal.WithLabelValues("acked"))
	ObserveHandled("acked", 12*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(IngestionMessagesTotal.WithLabelValues("acked")))
}

func TestObserveDelivery(t *testing.T) {
	before := testutil.ToFloat64(BrokerDeliveriesTotal.WithLabelValues("metrics-test", "true"))
	ObserveDelivery("metrics-test", true, 128)
	assert.Equal(t, before+1, testutil.ToFloat64(BrokerDeliveriesTotal.WithLabelValues("metrics-test", "true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(BrokerDeliveriesTotal.WithLabelValues("metrics-test", "false")))
}

func TestSetBrokerConnected(t *testing.T) {
	SetBrokerConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(BrokerConnected))
	SetBrokerConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(BrokerConnected))
}

func TestIncDeadLettered(t *testing.T) {
	before := testutil.ToFloat64(DeadLetteredMessagesTotal.WithLabelValues("decode_error"))
	IncDeadLettered("decode_error")
	IncDeadLettered("decode_error")
	assert.Equal(t, before+2, testutil.ToFloat64(DeadLetteredMessagesTotal.WithLabelValues("decode_error")))
}
