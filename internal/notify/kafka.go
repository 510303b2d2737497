package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
)

// DefaultKafkaTopic receives notices when no topic is configured.
const DefaultKafkaTopic = "crossqueue.notices"

// KafkaConfig configures the Kafka notice mirror.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// KafkaPublisher writes notices to a Kafka topic keyed by island, so the
// notices of one island stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig, log *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka mirror needs at least one broker")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
		log: log,
	}, nil
}

// PublishNotice implements Publisher.
func (k *KafkaPublisher) PublishNotice(ctx context.Context, n queue.Notice) error {
	msg, err := kafkaMessage(n)
	if err != nil {
		return err
	}
	k.log.Debug("publishing notice to kafka",
		zap.String("topic", k.writer.Topic),
		zap.String("notice_id", n.ID),
		zap.Int("size", len(msg.Value)))
	return k.writer.WriteMessages(ctx, msg)
}

// Close flushes pending writes.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func kafkaMessage(n queue.Notice) (kafka.Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal notice: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.Itoa(n.Island)),
		Value: data,
		Time:  n.At,
		Headers: []kafka.Header{
			{Key: "notice-type", Value: []byte(n.Type)},
			{Key: "front-end", Value: []byte(n.Origin.FrontEnd)},
		},
	}, nil
}
