package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"readings-service/internal/entity"
)

const (
	priorityFresh uint8 = 5
	priorityRetry uint8 = 1
)

// AMQPQueue hands off leases over a durable RabbitMQ priority queue with
// manual acks.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	now     func() time.Time

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
}

func NewAMQPQueue(url, queue string, prefetch int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{"x-max-priority": int32(priorityFresh)},
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	return &AMQPQueue{conn: conn, channel: ch, queue: queue, now: time.Now}, nil
}

func (q *AMQPQueue) Dispatch(ctx context.Context, job *entity.Job) error {
	b, err := encode(job, q.now())
	if err != nil {
		return err
	}
	priority := priorityFresh
	if job.RetryCount > 0 {
		priority = priorityRetry
	}
	return q.channel.PublishWithContext(ctx,
		"",
		q.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			MessageId:    job.LeaseID,
			Timestamp:    q.now(),
			Body:         b,
		},
	)
}

func (q *AMQPQueue) consume() (<-chan amqp.Delivery, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.channel.Consume(
			q.queue,
			"",
			false,
			false,
			false,
			false,
			nil,
		)
	})
	return q.deliveries, q.consumeErr
}

func (q *AMQPQueue) Claim(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	msgs, err := q.consume()
	if err != nil {
		return nil, err
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expire:
		return nil, ErrNoDelivery
	case d, ok := <-msgs:
		if !ok {
			return nil, fmt.Errorf("amqp: delivery channel closed")
		}
		m, err := decode(d.Body)
		if err != nil {
			_ = d.Reject(false)
			return nil, err
		}
		return &Delivery{
			Lease:        entity.Lease{JobID: m.JobID, LeaseID: m.LeaseID},
			DispatchedAt: m.DispatchedAt,
			ack:          func(context.Context) error { return d.Ack(false) },
		}, nil
	}
}

func (q *AMQPQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
