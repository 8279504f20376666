package bootstrap

import (
	"context"
	"fmt"

	"msgingest/internal/broker"
	"msgingest/internal/config"
	"msgingest/internal/logger"
)

type Base struct {
	Config    *config.Config
	Logger    logger.Logger
	Connector broker.Connector
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker connects to the broker and makes sure the consumed queue and
// its dead-letter queue exist.
func (b *Base) InitBroker(ctx context.Context, serviceName string) error {
	connector, err := broker.NewConnector(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}

	if serviceName != "" {
		connector.SetServiceName(serviceName)
	}

	if err := connector.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	if err := connector.DeclareQueue(ctx, b.Config.Broker.RabbitMQ.Queue); err != nil {
		connector.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	b.Connector = connector
	return nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Connector != nil {
		if err := b.Connector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connector close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application...")

	var errs []error

	errs = append(errs, b.ShutdownBroker()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
