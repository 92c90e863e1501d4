// Package pushqueue holds the RabbitMQ plumbing shared by the C5 enqueue
// side (internal/wsbus) and the C6 drain side (internal/pushover): the
// queue name and the retry-dial helper both publisher and consumer open
// their connection with. Grounded on the teacher's internal/amqp
// publisher.go/consumer.go, which each hand-roll an identical dial-retry
// loop; factored out here so it is written once.
package pushqueue

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// QueueName is the durable work queue C5 enqueues push-notification tasks
// onto and C6 drains, carrying just the trigger-event id.
const QueueName = "scanner.push_notifications"

// DialWithRetry opens a connection to uri, retrying attempts times with a
// fixed delay between tries, matching the teacher's bounded dial-retry
// loop (NewPublisher/NewConsumer both retry 10 times at a 2s interval).
func DialWithRetry(uri string, attempts int, delay time.Duration) (*amqp091.Connection, error) {
	var conn *amqp091.Connection
	var err error
	for i := 0; i < attempts; i++ {
		conn, err = amqp091.Dial(uri)
		if err == nil {
			return conn, nil
		}
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("pushqueue: failed to connect after %d attempts: %w", attempts, err)
}

// DeclareQueue declares the durable push-notification queue on ch.
func DeclareQueue(ch *amqp091.Channel) error {
	_, err := ch.QueueDeclare(
		QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("pushqueue: declare %s: %w", QueueName, err)
	}
	return nil
}
