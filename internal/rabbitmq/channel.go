package rabbitmq

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errNoURL = errors.New("empty amqp url")

// channel is a connection with one channel and a declared durable exchange.
type channel struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func openChannel(amqpURL, exchange, kind string) (*channel, error) {
	if amqpURL == "" {
		return nil, errNoURL
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &channel{conn: conn, ch: ch, exchange: exchange}, nil
}

func (c *channel) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
