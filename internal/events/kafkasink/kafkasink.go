// Package kafkasink produces events to a Kafka topic.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/banshee-data/headcount/internal/events"
	"github.com/banshee-data/headcount/internal/monitoring"
)

// producer is the subset of *kafka.Producer the sink needs.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Close()
}

// Sink produces one message per envelope, keyed by camera so that a
// camera's events stay ordered within a partition.
type Sink struct {
	producer producer
	topic    string
	codec    events.Codec
}

// New creates an idempotent producer for brokers.
func New(brokers, topic string, codec events.Codec) (*Sink, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":   brokers,
		"client.id":           "headcount",
		"acks":                "all",
		"enable.idempotence":  true,
		"linger.ms":           10,
		"delivery.timeout.ms": 30000,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	monitoring.Logf("[kafka] producer ready topic=%s brokers=%s", topic, brokers)
	return newSink(p, topic, codec), nil
}

func newSink(p producer, topic string, codec events.Codec) *Sink {
	if topic == "" {
		topic = "headcount-events"
	}
	if codec == nil {
		codec = events.JSONCodec{}
	}
	return &Sink{producer: p, topic: topic, codec: codec}
}

func (s *Sink) message(env events.Envelope) (*kafka.Message, error) {
	value, err := s.codec.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.ID, err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(env.CameraID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.ID)},
			{Key: "kind", Value: []byte(env.Kind)},
			{Key: "content_type", Value: []byte(s.codec.ContentType())},
		},
	}, nil
}

// Write produces the batch and waits for every delivery report.
func (s *Sink) Write(ctx context.Context, batch []events.Envelope) error {
	deliveries := make(chan kafka.Event, len(batch))
	produced := 0
	for _, env := range batch {
		msg, err := s.message(env)
		if err != nil {
			return err
		}
		if err := s.producer.Produce(msg, deliveries); err != nil {
			return fmt.Errorf("produce %s: %w", env.ID, err)
		}
		produced++
	}

	var firstErr error
	for i := 0; i < produced; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("awaiting delivery reports: %w", ctx.Err())
		case e := <-deliveries:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil && firstErr == nil {
				firstErr = m.TopicPartition.Error
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("delivery failed: %w", firstErr)
	}
	return nil
}

// Check fetches topic metadata from the cluster.
func (s *Sink) Check(ctx context.Context) error {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return errors.New("kafka: health check deadline exceeded")
	}
	if _, err := s.producer.GetMetadata(&s.topic, false, int(timeout.Milliseconds())); err != nil {
		return fmt.Errorf("kafka metadata: %w", err)
	}
	return nil
}

// Close flushes outstanding messages and closes the producer.
func (s *Sink) Close() {
	if n := s.producer.Flush(5000); n > 0 {
		monitoring.Logf("[kafka] %d messages still unflushed at close", n)
	}
	s.producer.Close()
}
