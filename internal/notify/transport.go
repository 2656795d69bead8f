package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Transport delivers a single notification to the push provider.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// KafkaTransport publishes notifications to a topic consumed by the push
// gateway. Messages are keyed by user so one user's pushes stay ordered.
type KafkaTransport struct {
	writer *kafka.Writer
}

func NewKafkaTransport(brokers []string, topic string) *KafkaTransport {
	return &KafkaTransport{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (t *KafkaTransport) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	carrier := headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	msg := kafka.Message{
		Key:     []byte(n.UserID),
		Value:   value,
		Headers: carrier.headers(),
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}

// headerCarrier carries trace context into kafka headers.
type headerCarrier map[string]string

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string { return c[key] }

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func (c headerCarrier) headers() []kafka.Header {
	out := make([]kafka.Header, 0, len(c))
	for k, v := range c {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// LogTransport writes notifications to the log. It is used when no broker is
// configured.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With().Str("component", "push").Logger()}
}

func (t *LogTransport) Send(ctx context.Context, n Notification) error {
	t.logger.Info().
		Str("user_id", n.UserID).
		Str("type", n.Type()).
		Str("group_id", n.Data["group_id"]).
		Str("title", n.Title).
		Msg(n.Body)
	return nil
}
