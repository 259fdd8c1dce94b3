package alert

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON to a Kafka topic, keyed by entity id so
// alerts for one entity stay ordered.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on the given comma-separated brokers.
func NewKafkaSink(brokersCSV, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitCSV(brokersCSV)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return NewKafkaSinkWithWriter(w)
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 3 * time.Second}
}

type kafkaAlert struct {
	Severity string         `json:"severity"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	RaisedAt time.Time      `json:"raised_at"`
}

// RaiseAlert publishes the alert. The write is bounded so a broker outage
// cannot stall the component raising it.
func (s *KafkaSink) RaiseAlert(ctx context.Context, a core.Alert) error {
	a, err := Normalize(a)
	if err != nil {
		return err
	}
	b, err := json.Marshal(kafkaAlert{
		Severity: string(a.Severity),
		Type:     string(a.Type),
		EntityID: a.EntityID,
		Message:  a.Message,
		Details:  a.Details,
		RaisedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.writer.WriteMessages(cctx, kafka.Message{
		Key:   []byte(string(a.Type) + ":" + a.EntityID),
		Value: b,
		Time:  time.Now(),
	})
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
