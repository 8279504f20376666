package broker

import (
	"fmt"

	"msgingest/internal/config"
	"msgingest/internal/logger"
)

func NewConnector(cfg config.BrokerConfig, log logger.Logger) (Connector, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMQConnector(cfg.RabbitMQ, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
