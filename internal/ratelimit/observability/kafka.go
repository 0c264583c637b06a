// Package observability ships security events out of the process.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"quotaguard/pkg/platform/audit"
	"quotaguard/pkg/platform/audit/publishers/security"
)

// Producer is the subset of *kgo.Client the sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink publishes security events as JSON records keyed by subject, so
// all events of one identity land on one partition in order.
type KafkaSink struct {
	producer Producer
	topic    string
}

var _ security.Sink = (*KafkaSink)(nil)

func NewKafkaSink(producer Producer, topic string) (*KafkaSink, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, events []audit.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode security event: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(e.Subject),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "action", Value: []byte(e.Action)},
				{Key: "severity", Value: []byte(e.Severity)},
			},
		})
	}
	if err := s.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce %d security events: %w", len(records), err)
	}
	return nil
}

// NewKafkaClient builds a producer client for brokers.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(20*time.Millisecond),
		kgo.RecordRetries(3),
	)
}

// LogSink writes security events to a logger. It is the sink when no broker
// is configured.
type LogSink struct {
	logger *slog.Logger
}

var _ security.Sink = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, events []audit.SecurityEvent) error {
	for _, e := range events {
		level := slog.LevelInfo
		if e.Severity == audit.SeverityCritical {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "security event",
			"action", string(e.Action),
			"subject", e.Subject,
			"scope", e.Scope,
			"reason", e.Reason,
			"ip", e.IP,
			"request_id", e.RequestID,
			"severity", string(e.Severity),
			"timestamp", e.Timestamp,
		)
	}
	return nil
}
