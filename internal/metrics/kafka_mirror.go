package metrics

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"dbrouter/internal/logger"
)

// KafkaMirror forwards Metrics Sink events onto a Kafka topic, so an
// external observability pipeline can consume slow_query/query_error/
// high_utilization/saturation notifications without polling this process.
type KafkaMirror struct {
	producer sarama.AsyncProducer
	topic    string
}

// mirroredEvent is the wire shape published for every event.
type mirroredEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewKafkaMirror dials an async Sarama producer against brokers.
func NewKafkaMirror(brokers []string, topic string) (*KafkaMirror, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	m := &KafkaMirror{producer: producer, topic: topic}
	go m.drainErrors()
	return m, nil
}

func (m *KafkaMirror) drainErrors() {
	for err := range m.producer.Errors() {
		logger.Error("kafka mirror: failed to publish event", err.Err)
	}
}

// Publish implements Mirror. Never blocks: the message is handed to the
// async producer's input channel, matching the rest of this module's
// never-block-the-hot-path contract for metrics recording.
func (m *KafkaMirror) Publish(eventKind string, payload any) {
	body, err := json.Marshal(mirroredEvent{Kind: eventKind, Timestamp: time.Now(), Payload: payload})
	if err != nil {
		logger.Error("kafka mirror: failed to marshal event", err, "kind", eventKind)
		return
	}

	select {
	case m.producer.Input() <- &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(eventKind),
		Value: sarama.ByteEncoder(body),
	}:
	default:
		logger.Warn("kafka mirror: producer input full, dropping event", "kind", eventKind)
	}
}

// Close shuts down the underlying producer.
func (m *KafkaMirror) Close() error {
	return m.producer.Close()
}
