// Package kafka publishes replay lifecycle events.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EventReplayCompleted is the type of the event published after a replay-all run.
const EventReplayCompleted = "replay.completed"

// Config holds Kafka configuration
type Config struct {
	Brokers     []string
	ReplayTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, replayTopic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers:     brokerList,
		ReplayTopic: replayTopic,
	}
}

// ReplayCompletedEvent summarizes one replay-all run.
type ReplayCompletedEvent struct {
	Type         string    `json:"type"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	TriggeredBy  string    `json:"triggered_by"`
	TotalMatched int       `json:"total_matched"`
	Replayed     int       `json:"replayed"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	Cancelled    bool      `json:"cancelled,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// Tracing
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Publisher publishes replay events.
type Publisher interface {
	PublishReplayCompleted(ctx context.Context, evt *ReplayCompletedEvent) error
	Close() error
}

// NoopPublisher drops every event. Used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishReplayCompleted(context.Context, *ReplayCompletedEvent) error { return nil }
func (NoopPublisher) Close() error                                                        { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles producing messages to Kafka
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.ReplayTopic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.ReplayTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishReplayCompleted publishes a replay summary keyed by rule id
func (p *Producer) PublishReplayCompleted(ctx context.Context, evt *ReplayCompletedEvent) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishReplayCompleted")
	defer span.End()

	if evt == nil {
		return fmt.Errorf("replay event is nil")
	}
	if evt.Type == "" {
		evt.Type = EventReplayCompleted
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)
	evt.SpanID = tracing.GetSpanID(ctx)

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("rule_id", evt.RuleID),
	)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal replay event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "type", Value: []byte(evt.Type)},
		{Key: "rule_id", Value: []byte(evt.RuleID)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.RuleID),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		metrics.RecordKafkaPublish(p.topic, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", p.topic)
		return err
	}

	metrics.RecordKafkaPublish(p.topic, "success", time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published replay event to Kafka: rule=%s replayed=%d failed=%d skipped=%d",
		evt.RuleID, evt.Replayed, evt.Failed, evt.Skipped)

	return nil
}
