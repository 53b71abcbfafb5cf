package publish

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "priceflow/config"
	"priceflow/logger"
)

// KafkaBroker writes records to the message broker. A single writer serves
// every topic; the topic is set per message and partitioning hashes the
// message key so all records of one exchange/symbol pair land on the same
// partition in order.
type KafkaBroker struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafkaBroker(cfg appconfig.KafkaConfig) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	b := &KafkaBroker{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		log: logger.GetLogger(),
	}
	b.log.WithComponent("kafka_broker").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
	}).Debug("kafka broker initialized")
	return b, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return err
	}
	logger.IncrementBrokerPublish(int64(len(payload)))
	return nil
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}
