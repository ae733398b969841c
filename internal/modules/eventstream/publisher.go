// README: Audit stream of committed OrderTracking rows, keyed by order id.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"vtc/internal/modules/tracking"
)

// Publisher ships ledger rows after their transaction commits. Delivery is
// at-least-once; consumers dedup with tracking.Event.Key.
type Publisher interface {
	Publish(ctx context.Context, events []tracking.Event) error
	Close() error
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      logrus.FieldLogger
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log logrus.FieldLogger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

func (p *KafkaPublisher) Publish(_ context.Context, events []tracking.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.Type, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(e.OrderID),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("event_type"), Value: []byte(e.Type)},
			},
		})
	}
	if err := p.producer.SendMessages(msgs); err != nil {
		p.log.WithError(err).WithField("topic", p.topic).Error("kafka publish failed")
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitPublisher struct {
	ch       Channel
	exchange string
	log      logrus.FieldLogger
}

func NewRabbitPublisher(ch Channel, exchange string, log logrus.FieldLogger) *RabbitPublisher {
	return &RabbitPublisher{ch: ch, exchange: exchange, log: log}
}

func (p *RabbitPublisher) Publish(ctx context.Context, events []tracking.Event) error {
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.Type, err)
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(e.Type), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.Key(),
			Timestamp:    e.CreatedAt,
			Headers:      amqp.Table{"order_id": string(e.OrderID)},
			Body:         body,
		})
		if err != nil {
			p.log.WithError(err).WithField("exchange", p.exchange).Error("rabbitmq publish failed")
			return err
		}
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	return p.ch.Close()
}

// RoutingKey maps DRIVER_ACCEPTED to order.driver_accepted.
func RoutingKey(t tracking.EventType) string {
	return "order." + strings.ToLower(string(t))
}
