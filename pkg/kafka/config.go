package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultMaxMessageBytes matches the broker default message.max.bytes.
const DefaultMaxMessageBytes = 1_000_000

// Config describes one Kafka endpoint. Topic is the input queue; leave Topic and
// GroupID empty for a send-only client.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxMessageBytes is the largest message the transport hands to the broker.
	MaxMessageBytes int

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	RequiredAcks kafka.RequiredAcks
	MaxAttempts  int
	Balancer     kafka.Balancer
	Compression  kafka.Compression

	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64

	// ReceiveTimeout bounds how long Receive waits for a message before returning nil.
	ReceiveTimeout time.Duration
}

// Validate checks the config
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic != "" && c.GroupID == "" {
		return errors.New("groupID cannot be empty when topic is set")
	}
	if c.MaxMessageBytes < 0 {
		return errors.New("maxMessageBytes cannot be negative")
	}
	if c.MaxAttempts < 0 {
		return errors.New("maxAttempts cannot be negative")
	}
	if c.WriteTimeout < 0 {
		return errors.New("writeTimeout cannot be negative")
	}
	if c.ReadTimeout < 0 {
		return errors.New("readTimeout cannot be negative")
	}
	if c.MaxWait < 0 {
		return errors.New("maxWait cannot be negative")
	}
	if c.ReceiveTimeout < 0 {
		return errors.New("receiveTimeout cannot be negative")
	}
	if c.MinBytes > 0 && c.MaxBytes > 0 && c.MinBytes > c.MaxBytes {
		return fmt.Errorf("minBytes %d exceeds maxBytes %d", c.MinBytes, c.MaxBytes)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.Balancer == nil {
		c.Balancer = &kafka.Hash{}
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10e6
	}
	if c.MaxWait == 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = time.Second
	}
	return c
}

func (c Config) newWriter() *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     c.Balancer,
		WriteTimeout: c.WriteTimeout,
		ReadTimeout:  c.ReadTimeout,
		RequiredAcks: c.RequiredAcks,
		MaxAttempts:  c.MaxAttempts,
		Compression:  c.Compression,
		BatchBytes:   int64(c.MaxMessageBytes),
	}
}

func (c Config) newReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		Topic:          c.Topic,
		GroupID:        c.GroupID,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		MaxWait:        c.MaxWait,
		CommitInterval: 0, // Manual commits
		StartOffset:    c.StartOffset,
	})
}
