// Package queue publishes the ledger event feed.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverNone  = "none"
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	defaultBatchTimeout = 10 * time.Millisecond
	defaultClientID     = "harmonize-bridge"
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Producer publishes keyed records. Records sharing a key keep their relative order.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ProducerConfig struct {
	// Driver is one of DriverNone, DriverKafka or DriverStdio. Empty means DriverNone.
	Driver string

	Brokers      []string
	TLS          bool
	ClientID     string
	BatchTimeout time.Duration

	// Writer receives stdio records. Defaults to os.Stdout.
	Writer io.Writer
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverNone:
		return NopProducer{}, nil
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioProducer{w: w}, nil
	}
	return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
}

// SplitCommaList splits a flag value like "a:9092, b:9092" and drops blank entries.
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type kafkaProducer struct {
	w *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka needs at least one broker", ErrInvalidConfig)
	}

	transport := &kafka.Transport{ClientID: cfg.ClientID}
	if transport.ClientID == "" {
		transport.ClientID = defaultClientID
	}
	if cfg.TLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = defaultBatchTimeout
	}

	// Hash keeps every event of one entity on one partition.
	return &kafkaProducer{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireAll,
		Transport:    transport,
	}}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload}); err != nil {
		return fmt.Errorf("queue: kafka write %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

// stdioProducer writes one JSON object per line, for local runs and log shippers.
type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

type stdioLine struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

func (p *stdioProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	value := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		value = quoted
	}
	b, err := json.Marshal(stdioLine{Topic: topic, Key: string(key), Value: value})
	if err != nil {
		return err
	}
	b = append(b, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(b)
	return err
}

func (p *stdioProducer) Close() error { return nil }

// NopProducer drops every record.
type NopProducer struct{}

func (NopProducer) Publish(context.Context, string, []byte, []byte) error { return nil }

func (NopProducer) Close() error { return nil }
