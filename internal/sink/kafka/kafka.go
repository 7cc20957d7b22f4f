// Package kafka publishes notifications to a Kafka topic, keyed by target so
// the notifications of a target stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/eventwatch/eventwatch/internal/common"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

const kindHeader = "kind"

type Sink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSink(producer sarama.SyncProducer, topic string) Sink {
	return Sink{
		producer: producer,
		topic:    topic,
	}
}

func (s Sink) Deliver(_ context.Context, notification watch.Notification) error {
	value, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification %v: %w", notification.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strings.ToLower(notification.Machine + "/" + notification.Log)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(kindHeader), Value: []byte(notification.Kind)},
		},
		Timestamp: notification.Timestamp,
	}

	_, _, err = s.producer.SendMessage(msg)
	if err != nil {
		if isRetryable(err) {
			return common.NewRetryableDeliveryError(err, "failed to send notification %v", notification.ID)
		}

		return common.NewDeliveryError(err, "failed to send notification %v", notification.ID)
	}

	return nil
}

func isRetryable(err error) bool {
	return !errors.Is(err, sarama.ErrMessageSizeTooLarge) &&
		!errors.Is(err, sarama.ErrInvalidMessage) &&
		!errors.Is(err, sarama.ErrTopicAuthorizationFailed)
}
