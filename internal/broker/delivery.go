package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"msgingest/internal/constants"
)

var (
	ErrAlreadyResolved = errors.New("delivery already acknowledged or rejected")
	ErrNoAcknowledger  = errors.New("delivery has no acknowledger")
)

// Delivery is one message handed out by the broker. It must be resolved
// exactly once; later Ack or Nack calls return ErrAlreadyResolved.
type Delivery struct {
	Body        []byte
	MessageID   string
	DeliveryTag uint64
	Redelivered bool
	Headers     amqp.Table
	Queue       string
	ReceivedAt  time.Time

	acker    amqp.Acknowledger
	resolved atomic.Bool
}

func NewDelivery(d amqp.Delivery, queue string) *Delivery {
	return &Delivery{
		Body:        d.Body,
		MessageID:   d.MessageId,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Headers:     d.Headers,
		Queue:       queue,
		ReceivedAt:  time.Now(),
		acker:       d.Acknowledger,
	}
}

func (d *Delivery) Ack() error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	if d.acker == nil {
		return ErrNoAcknowledger
	}
	return d.acker.Ack(d.DeliveryTag, false)
}

// Nack rejects the delivery. With requeue the broker hands it out again,
// otherwise it is dead-lettered or dropped.
func (d *Delivery) Nack(requeue bool) error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	if d.acker == nil {
		return ErrNoAcknowledger
	}
	return d.acker.Nack(d.DeliveryTag, false, requeue)
}

func (d *Delivery) Resolved() bool {
	return d.resolved.Load()
}

// PriorDeliveries reports how many times the broker says this message was
// delivered before. Quorum queues set x-delivery-count; messages routed
// back from a dead-letter exchange carry x-death.
func (d *Delivery) PriorDeliveries() (int, bool) {
	if v, ok := d.Headers[constants.HeaderDeliveryCount]; ok {
		if n, ok := toInt(v); ok {
			return n, true
		}
	}

	deaths, ok := d.Headers[constants.HeaderDeath].([]interface{})
	if !ok || len(deaths) == 0 {
		return 0, false
	}

	total := 0
	for _, entry := range deaths {
		table, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if n, ok := toInt(table["count"]); ok {
			total += n
		}
	}
	return total, total > 0
}

// Fingerprint identifies the message across redeliveries: the producer's
// message id when set, otherwise a digest of the body.
func (d *Delivery) Fingerprint() string {
	if d.MessageID != "" {
		return "id:" + d.MessageID
	}
	sum := sha256.Sum256(d.Body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	default:
		return 0, false
	}
}
