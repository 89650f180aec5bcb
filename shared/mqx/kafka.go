package mqx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"kafka-replicator/shared/config"
)

var ErrNoPartitions = errors.New("topic has no partitions")

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.KafkaWriteTimeout(),
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

// Publish writes values to topic in order as a single batch. Keys and headers are not set:
// only the payload crosses the relay.
func (p *Producer) Publish(ctx context.Context, topic string, values [][]byte) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	if len(values) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.Int("messaging.batch.message_count", len(values)),
	)
	defer span.End()

	msgs := make([]kafka.Message, 0, len(values))
	for _, v := range values {
		msgs = append(msgs, kafka.Message{Topic: topic, Value: v})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// GroupForTopic names the consumer group of a single topic subscription. Each topic gets its
// own group so a rebalance on one topic never pauses the others.
func GroupForTopic(groupID string, topic string) string {
	return groupID + "-" + topic
}

// NewTopicReader subscribes to one topic from its live end; committed offsets of the group
// still take precedence when present.
func NewTopicReader(cfg config.Config, topic string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaGroupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.KafkaBrokers,
		GroupID:           GroupForTopic(cfg.KafkaGroupID, topic),
		Topic:             topic,
		Dialer:            dialer(cfg),
		StartOffset:       kafka.LastOffset,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           500 * time.Millisecond,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
		RebalanceTimeout:  30 * time.Second,
	})
	return reader, nil
}

// CheckTopic dials the cluster and reads the topic's partition metadata.
func CheckTopic(ctx context.Context, cfg config.Config, topic string) error {
	return withConn(ctx, cfg, func(conn *kafka.Conn) error {
		partitions, err := conn.ReadPartitions(topic)
		if err != nil {
			return fmt.Errorf("read partitions of %s: %w", topic, err)
		}
		if len(partitions) == 0 {
			return fmt.Errorf("%s: %w", topic, ErrNoPartitions)
		}
		return nil
	})
}

// CheckBrokers verifies that at least one broker answers a metadata request.
func CheckBrokers(ctx context.Context, cfg config.Config) error {
	return withConn(ctx, cfg, func(conn *kafka.Conn) error {
		_, err := conn.Brokers()
		return err
	})
}

func withConn(ctx context.Context, cfg config.Config, fn func(*kafka.Conn) error) error {
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	d := dialer(cfg)
	var lastErr error
	for _, broker := range cfg.KafkaBrokers {
		conn, err := d.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", broker, err)
			continue
		}
		err = fn(conn)
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func dialer(cfg config.Config) *kafka.Dialer {
	return &kafka.Dialer{
		ClientID:  cfg.KafkaClientID,
		Timeout:   10 * time.Second,
		DualStack: true,
	}
}
