package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig - параметры Kafka-зеркала
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KafkaAppender отправляет записи в топик. Ключ сообщения - тип и id
// сущности, так что события одной сущности попадают в одну партицию.
type KafkaAppender struct {
	writer *kafka.Writer
}

// NewKafkaAppender - создать kafka appender
func NewKafkaAppender(cfg KafkaConfig) (*KafkaAppender, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic name is required for Kafka")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required for Kafka")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaAppender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: cfg.WriteTimeout,
		},
	}, nil
}

// Append - отправить запись
func (a *KafkaAppender) Append(ctx context.Context, rec Record) error {
	msg, err := kafkaMessage(rec)
	if err != nil {
		return err
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write audit record to Kafka: %w", err)
	}
	return nil
}

func kafkaMessage(rec Record) (kafka.Message, error) {
	payload, err := rec.ToJSON()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	return kafka.Message{
		Key:   []byte(rec.EntityType + "/" + rec.EntityID),
		Value: payload,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "deletion-type", Value: []byte(rec.DeletionType)},
		},
	}, nil
}

// Close - закрыть writer
func (a *KafkaAppender) Close() error {
	return a.writer.Close()
}
