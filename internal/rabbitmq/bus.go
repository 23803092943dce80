package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// FanoutBus relays hub events between service instances. Each instance binds
// an exclusive queue to a shared fanout exchange.
type FanoutBus struct {
	*channel
	queue string
}

// NewFanoutBus connects to RabbitMQ and declares the exchange and this
// instance's queue.
func NewFanoutBus(amqpURL, exchange string) (*FanoutBus, error) {
	c, err := openChannel(amqpURL, exchange, "fanout")
	if err != nil {
		return nil, err
	}
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err == nil {
		err = c.ch.QueueBind(q.Name, "", exchange, false, nil)
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	log.WithField("exchange", exchange).WithField("queue", q.Name).Info("event bus connected")
	return &FanoutBus{channel: c, queue: q.Name}, nil
}

// Publish sends a raw payload to every instance.
func (b *FanoutBus) Publish(ctx context.Context, payload []byte) error {
	return b.ch.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
}

// Consume delivers payloads to handle until ctx is done or the channel closes.
func (b *FanoutBus) Consume(ctx context.Context, handle func(payload []byte)) error {
	deliveries, err := b.ch.Consume(b.queue, "", true, true, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("event bus channel closed")
			}
			handle(d.Body)
		}
	}
}
