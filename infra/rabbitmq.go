package infra

import (
	"fmt"
	"log"

	"github.com/gpufleet/control-plane/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQClient struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel
}

func NewRabbitMQClient(cfg *config.EnvConfig) (*RabbitMQClient, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%s/",
		cfg.RabbitMQ.Username,
		cfg.RabbitMQ.Password,
		cfg.RabbitMQ.Host,
		cfg.RabbitMQ.Port,
	)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQ connection failed: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	log.Println("Connected to RabbitMQ:", cfg.RabbitMQ.Host+":"+cfg.RabbitMQ.Port)

	return &RabbitMQClient{Connection: conn, Channel: channel}, nil
}

func (r *RabbitMQClient) Close() {
	if r.Channel != nil {
		_ = r.Channel.Close()
	}
	if r.Connection != nil {
		_ = r.Connection.Close()
	}
}
