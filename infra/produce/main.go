package produce

import amqp "github.com/rabbitmq/amqp091-go"

type Produce struct {
	JobEvents *JobEventService
}

func InitProduce(channel *amqp.Channel) *Produce {
	jobEvents := InitJobEventService(channel)
	if jobEvents == nil {
		panic("Failed to initialize JobEvent service")
	}

	return &Produce{
		JobEvents: jobEvents,
	}
}
