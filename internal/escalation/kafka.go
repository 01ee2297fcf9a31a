package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig contains configurable parameters for the Kafka escalator.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// DeadLetterTopic receives DeadLetter messages keyed by stream.
	DeadLetterTopic string

	// AlertTopic receives Alert messages. Defaults to DeadLetterTopic.
	AlertTopic string

	// MaxAttempts is how many times a write is tried. Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 5s if zero.
	WriteTimeout time.Duration

	// RetryInterval is the first delay between attempts. Defaults to 100ms.
	RetryInterval time.Duration

	// Balancer decides partition selection. If nil, a Hash balancer is used (key-based).
	Balancer kafka.Balancer
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEscalator publishes escalations to Kafka with acks from all in-sync replicas.
type KafkaEscalator struct {
	writer        messageWriter
	dlqTopic      string
	alertTopic    string
	maxAttempts   int
	writeTimeout  time.Duration
	retryInterval time.Duration
}

// NewKafkaEscalator constructs a KafkaEscalator.
func NewKafkaEscalator(cfg KafkaConfig) (*KafkaEscalator, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Balancer == nil {
		// Same stream, same partition: dead letters replay in order.
		cfg.Balancer = &kafka.Hash{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     cfg.Balancer,
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	}
	return newKafkaEscalator(w, cfg)
}

func newKafkaEscalator(w messageWriter, cfg KafkaConfig) (*KafkaEscalator, error) {
	if cfg.DeadLetterTopic == "" {
		return nil, fmt.Errorf("kafka: dead letter topic required")
	}
	if cfg.AlertTopic == "" {
		cfg.AlertTopic = cfg.DeadLetterTopic
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	return &KafkaEscalator{
		writer:        w,
		dlqTopic:      cfg.DeadLetterTopic,
		alertTopic:    cfg.AlertTopic,
		maxAttempts:   cfg.MaxAttempts,
		writeTimeout:  cfg.WriteTimeout,
		retryInterval: cfg.RetryInterval,
	}, nil
}

func (k *KafkaEscalator) DeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.At.IsZero() {
		dl.At = time.Now().UTC()
	}
	return k.produceJSON(ctx, k.dlqTopic, []byte(dl.Entry.Stream), "dead_letter", dl)
}

func (k *KafkaEscalator) Alert(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	return k.produceJSON(ctx, k.alertTopic, []byte(a.Stream), "alert", a)
}

func (k *KafkaEscalator) produceJSON(ctx context.Context, topic string, key []byte, kind string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   b,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = k.retryInterval
	expo.MaxInterval = 2 * time.Second

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		msg.Time = time.Now().UTC()
		attemptCtx, cancel := context.WithTimeout(ctx, k.writeTimeout)
		defer cancel()
		if err := k.writer.WriteMessages(attemptCtx, msg); err != nil {
			log.Printf("[escalation] kafka %s write attempt %d failed: %v", kind, attempt, err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(k.maxAttempts)))
	if err != nil {
		return fmt.Errorf("produce %s to %s failed after %d attempts: %w", kind, topic, attempt, err)
	}
	return nil
}

// Close shuts down the underlying writer and releases resources.
func (k *KafkaEscalator) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
