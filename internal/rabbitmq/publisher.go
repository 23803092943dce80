package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"dm-service/internal/logging"
	"dm-service/internal/telemetry"
)

var log = logging.For("rabbitmq")

// Publisher publishes JSON events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher connects to the topic exchange. Without a reachable broker it
// returns a publisher that only logs, so audit and purge events never block
// message traffic.
func NewPublisher(amqpURL, exchange string) Publisher {
	c, err := openChannel(amqpURL, exchange, "topic")
	if err != nil {
		log.WithError(err).WithField("exchange", exchange).Warn("rabbitmq disabled, events are logged only")
		return logPublisher{exchange: exchange}
	}
	log.WithField("exchange", exchange).Info("rabbitmq connected")
	return &topicPublisher{channel: c}
}

type topicPublisher struct {
	*channel
}

func (p *topicPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	table := amqp.Table{}
	for key, value := range headers {
		table[key] = value
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{"exchange": p.exchange, "routing_key": routingKey}).Error("rabbitmq publish failed")
	}
	return err
}

type logPublisher struct {
	exchange string
}

func (p logPublisher) Publish(_ context.Context, routingKey string, event any, _ map[string]string) error {
	entry := log.WithFields(logrus.Fields{"exchange": p.exchange, "routing_key": routingKey})
	if envelope, ok := event.(telemetry.AuditEnvelope); ok {
		entry = entry.WithFields(logrus.Fields{"event_type": envelope.EventType, "request_id": envelope.RequestID})
	}
	entry.Debug("event not published, broker disabled")
	return nil
}

func (logPublisher) Close() error { return nil }
