package produce

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	JobExchange         = "job.exchange"
	JobStatusQueue      = "job.status"
	JobStatusRoutingKey = "job.status"
)

// JobStatusMessage fans job lifecycle transitions out to the dashboard and
// any other listeners. Advisory only: nothing in the control plane consumes
// these.
type JobStatusMessage struct {
	JobID          string `json:"job_id"`
	OrganizationID string `json:"organization_id"`
	Type           string `json:"type"`
	Previous       string `json:"previous_status"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type JobEventService struct {
	channel *amqp.Channel
}

func InitJobEventService(channel *amqp.Channel) *JobEventService {
	service := &JobEventService{
		channel: channel,
	}

	err := channel.ExchangeDeclare(
		JobExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Job exchange: " + err.Error())
	}

	_, err = channel.QueueDeclare(
		JobStatusQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		panic("Failed to declare Job status queue: " + err.Error())
	}

	err = channel.QueueBind(
		JobStatusQueue,
		JobStatusRoutingKey,
		JobExchange,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to bind Job status queue: " + err.Error())
	}

	return service
}

func (s *JobEventService) PublishStatusChange(ctx context.Context, msg JobStatusMessage) error {
	msg.Timestamp = time.Now().Unix()

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return s.channel.PublishWithContext(ctx,
		JobExchange,
		JobStatusRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}
