// Package messaging carries payout events to Kafka and block reward
// announcements from it.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gompay/pkg/circuit"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
	"github.com/bardlex/gompay/pkg/retry"
)

// KafkaClient wraps kafka-go with per-topic writer pooling, a circuit breaker
// and retries.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// BreakerStats reports the publish breaker.
func (k *KafkaClient) BreakerStats() circuit.Stats {
	return k.circuitBreaker.GetStats()
}

// GetProducer gets or creates the writer for a topic.
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	// Events of one miner share a key, so the hash balancer keeps them ordered.
	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates the reader for a topic and group.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	// Block rewards must not be skipped, so a new group starts at the oldest
	// offset and commits are explicit.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.brokers,
		Topic:          topic,
		GroupID:        groupID,
		StartOffset:    kafka.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: 0,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishProto publishes a protobuf message
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON publishes an encoded JSON document
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// MessageHandler handles one consumed message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, value []byte) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, key string, value []byte) error

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, key string, value []byte) error {
	return f(ctx, key, value)
}

// fetch reads the next message without committing it.
func (k *KafkaClient) fetch(ctx context.Context, reader *kafka.Reader) (kafka.Message, error) {
	return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return kafka.Message{}, errors.Permanent(err, errors.ErrorTypeKafka, "fetch_message", "consumer stopped")
			}
			return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "fetch_message",
				"failed to read message from Kafka")
		}
		return msg, nil
	})
}

// StartConsumer feeds every message of topic to handler and commits it once
// handled. A handler error stops the consumer with the message uncommitted so
// it is redelivered after restart; handlers return nil for messages they
// choose to drop.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	logger := k.logger.WithFields("topic", topic, "group_id", groupID)
	logger.Info("starting consumer")

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("consumer stopping")
			return err
		}

		msg, err := k.fetch(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.WithError(err).Error("failed to consume message")
			continue
		}

		key := string(msg.Key)
		if err := handler.HandleMessage(ctx, key, msg.Value); err != nil {
			logger.WithError(err).Error("failed to handle message, stopping consumer",
				"key", key, "partition", msg.Partition, "offset", msg.Offset)
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("failed to commit offset", "offset", msg.Offset)
		}
	}
}

// DecodeJSON unmarshals a consumed value, classifying failures as validation
// errors.
func DecodeJSON(value []byte, v any) error {
	if err := json.Unmarshal(value, v); err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "json_unmarshal",
			"failed to decode message").WithContext("message_size", len(value))
	}
	return nil
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
