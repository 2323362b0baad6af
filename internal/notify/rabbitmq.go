package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errMalformed = errors.New("malformed completion email message")

// Queue hands completion emails to a RabbitMQ queue. A Consume loop,
// possibly in another process, performs the actual delivery.
type Queue struct {
	conn  *amqp.Connection
	name  string
	pubMu sync.Mutex
	pub   *amqp.Channel
}

func DialQueue(url, name string) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := declare(ch, name); err != nil {
		conn.Close()
		return nil, err
	}
	return &Queue{conn: conn, name: name, pub: ch}, nil
}

func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return q, fmt.Errorf("declaring queue %q: %w", name, err)
	}
	return q, nil
}

func (q *Queue) Close() error {
	q.pub.Close()
	return q.conn.Close()
}

// Check implements health.Checker.
func (q *Queue) Check(context.Context) error {
	if q.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// SendCompletionEmail publishes e as a persistent JSON message.
func (q *Queue) SendCompletionEmail(ctx context.Context, e CompletionEmail) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding completion email: %w", err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err = q.pub.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing completion email: %w", err)
	}
	return nil
}

// Consume delivers queued emails through n until ctx is done. A message
// that fails delivery is requeued once; malformed messages are dropped.
func (q *Queue) Consume(ctx context.Context, n Notifier, logger *slog.Logger) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	defer ch.Close()
	if _, err := declare(ch, q.name); err != nil {
		return err
	}
	msgs, err := ch.Consume(
		q.name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consuming %q: %w", q.name, err)
	}

	logger.Info("notification consumer started", "queue", q.name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel for %q closed", q.name)
			}
			if err := handleMessage(ctx, msg.Body, n); err != nil {
				requeue := !errors.Is(err, errMalformed) && !msg.Redelivered
				logger.Warn("completion email failed", "queue", q.name, "requeue", requeue, "error", err)
				msg.Nack(false, requeue)
				continue
			}
			msg.Ack(false)
		}
	}
}

func handleMessage(ctx context.Context, body []byte, n Notifier) error {
	var e CompletionEmail
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}
	if e.Recipient == "" {
		return fmt.Errorf("%w: no recipient", errMalformed)
	}
	return n.SendCompletionEmail(ctx, e)
}
