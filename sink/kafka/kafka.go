// Package kafka publishes result rows to a Kafka topic, one JSON message per
// row keyed by test run.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/sink"
)

// DefaultTopic receives the rows when no topic is configured.
const DefaultTopic = "tatp_results"

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes rows to a topic.
type Sink struct {
	broker string
	topic  string
	w      writer
}

// New returns a sink publishing to topic on broker.
func New(broker, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{broker},
		Topic:   topic,
	})
	return &Sink{broker: broker, topic: topic, w: w}
}

// Ping dials the broker.
func (s *Sink) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", s.broker)
	if err != nil {
		return err
	}
	return conn.Close()
}

func messages(rows []sink.Row) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(rows))
	for _, r := range rows {
		value, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(r.TestRunID, 10)),
			Value: value,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(r.Kind)},
			},
		})
	}
	return msgs, nil
}

// Write publishes rows in one batch.
func (s *Sink) Write(ctx context.Context, rows []sink.Row) error {
	if len(rows) == 0 {
		return nil
	}
	msgs, err := messages(rows)
	if err != nil {
		return err
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	for _, r := range rows {
		metrics.SinkRows.WithLabelValues("kafka", string(r.Kind)).Inc()
	}
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}
