package queue

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchanges and queues used for processing requests.
//
// Requests are published to Exchange and routed to Queue. Delayed requests wait in
// DelayQueue until their per-message TTL expires and are dead-lettered back to
// Exchange. Rejected deliveries on Queue are dead-lettered to DeadLetterQueue.
type Topology struct {
	Exchange        string
	Queue           string
	DelayQueue      string
	DeadLetterQueue string
}

// DefaultTopology returns the default names.
func DefaultTopology() Topology {
	return Topology{
		Exchange:        "operations",
		Queue:           "operations.process",
		DelayQueue:      "operations.process.delay",
		DeadLetterQueue: "operations.process.dlq",
	}
}

// AMQPChannel defines the channel operations required to declare the topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the exchange and queues if they do not exist.
func (t Topology) Declare(ch AMQPChannel) error {
	if err := ch.ExchangeDeclare(
		t.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	}); err != nil {
		return fmt.Errorf("declare work queue: %w", err)
	}

	if err := ch.QueueBind(t.Queue, t.Queue, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind work queue: %w", err)
	}

	if _, err := ch.QueueDeclare(t.DelayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": t.Queue,
	}); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}

	return nil
}

// expiration formats a delay as an AMQP per-message TTL in milliseconds.
func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("%d", ms)
}
