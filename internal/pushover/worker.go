package pushover

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"ignition-scanner/internal/pushqueue"
)

// Worker drains the push-notification work queue and calls into a Notifier
// for each delivered event id. Grounded on the teacher's
// internal/amqp.Consumer: retry-dial, Qos, then Consume with its own retry
// loop per queue.
type Worker struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel

	notifier *Notifier
	log      *logrus.Entry
}

// NewWorker dials amqpURI (retrying up to 10 times, 2s apart) and opens a
// channel with QoS(1) so deliveries are handled one at a time.
func NewWorker(amqpURI string, notifier *Notifier, log *logrus.Entry) (*Worker, error) {
	conn, err := pushqueue.DialWithRetry(amqpURI, 10, 2*time.Second)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pushover: open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		log.WithError(err).Warn("failed to set QoS")
	}
	if err := pushqueue.DeclareQueue(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Worker{conn: conn, ch: ch, notifier: notifier, log: log}, nil
}

// Run consumes deliveries until ctx is cancelled. Each delivery's body is
// the raw trigger-event id; delivery is auto-acked since push is best
// effort and a redelivered duplicate is already suppressed by the
// Notifier's idempotency key.
func (w *Worker) Run(ctx context.Context) error {
	var msgs <-chan amqp091.Delivery
	var err error
	for retry := 0; retry < 3; retry++ {
		msgs, err = w.ch.Consume(
			pushqueue.QueueName,
			"",    // consumer
			true,  // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return fmt.Errorf("pushover: consume %s: %w", pushqueue.QueueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			eventID := string(d.Body)
			if err := w.notifier.NotifyEvent(ctx, eventID); err != nil {
				w.log.WithError(err).WithField("event_id", eventID).Warn("notify failed")
			}
		}
	}
}

// Close releases the channel and connection.
func (w *Worker) Close() {
	if w.ch != nil {
		w.ch.Close()
	}
	if w.conn != nil {
		w.conn.Close()
	}
}
