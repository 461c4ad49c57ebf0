package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes push and in-app codes to a topic consumed by the
// device messaging service. Messages are keyed by device so one device
// sees its codes in order.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

type pushPayload struct {
	ID      string  `json:"id"`
	Channel Channel `json:"channel"`
	Device  string  `json:"device"`
	Code    string  `json:"code"`
	Body    string  `json:"body"`
	Context Context `json:"context"`
}

func (n *KafkaNotifier) Send(ctx context.Context, msg Message) (Ack, error) {
	id := uuid.New().String()
	value, err := json.Marshal(pushPayload{
		ID:      id,
		Channel: msg.Channel,
		Device:  msg.Destination,
		Code:    msg.Code,
		Body:    Body(msg),
		Context: msg.Context,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("encode push: %w", err)
	}
	at := now()
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.topic,
		Key:   []byte(msg.Destination),
		Value: value,
		Time:  at,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("publishing push: %w", err)
	}
	return Ack{Channel: msg.Channel, ID: id, At: at}, nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
