package broker

import (
	"context"
)

// Connector owns the broker connection and feeds deliveries to a handler.
// Subscribe blocks until ctx is canceled or the connection is lost for good.
type Connector interface {
	Connect(ctx context.Context) error
	DeclareQueue(ctx context.Context, name string) error
	Subscribe(ctx context.Context, queue string, handler HandlerFunc) error
	IsConnected() bool
	Close() error
	SetServiceName(name string)
}

// HandlerFunc must resolve the delivery exactly once with Ack or Nack.
// Deliveries left unresolved when it returns are requeued.
type HandlerFunc func(ctx context.Context, d *Delivery) error
