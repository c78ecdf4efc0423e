// Package kafka is a transport.Transport over segmentio/kafka-go. Topics are queues;
// a consumer group reads the input topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"go-overflow/internal/observability"
	"go-overflow/pkg/models"
	"go-overflow/pkg/transaction"
	"go-overflow/pkg/transport"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport sends on commit and acknowledges received messages by committing their
// offsets on commit.
//
// Kafka cannot return a single fetched message to the topic. When a receive is rolled
// back the reader is reopened before the next fetch, which resumes from the last
// committed offset; messages fetched after the aborted one are delivered again.
// Offsets of a partition are committed in order: a commit waits for lower offsets
// still in flight and fails once one of them was rolled back.
type Transport struct {
	config Config
	writer messageWriter
	logger *logrus.Logger

	mu        sync.Mutex
	reader    messageReader
	newReader func() messageReader
	rewind    bool
	closed    bool
	offsets   *offsetTracker
}

var (
	_ transport.Transport   = (*Transport)(nil)
	_ transport.SizeLimiter = (*Transport)(nil)
)

// Open connects writer and, when cfg.Topic is set, a consumer group reader.
func Open(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	cfg = cfg.withDefaults()

	var newReader func() messageReader
	if cfg.Topic != "" {
		newReader = func() messageReader { return cfg.newReader() }
	}
	return newTransport(cfg, cfg.newWriter(), newReader), nil
}

func newTransport(cfg Config, writer messageWriter, newReader func() messageReader) *Transport {
	t := &Transport{
		config:    cfg,
		writer:    writer,
		logger:    observability.GetLogger(),
		newReader: newReader,
		offsets:   newOffsetTracker(),
	}
	if newReader != nil {
		t.reader = newReader()
	}
	return t
}

// SetLogger replaces the logger.
func (t *Transport) SetLogger(logger *logrus.Logger) {
	t.logger = logger
}

func (t *Transport) Address() string {
	return t.config.Topic
}

func (t *Transport) MaxMessageBytes() int {
	return t.config.MaxMessageBytes
}

type outbox struct {
	mu       sync.Mutex
	messages []kafka.Message
}

// Send checks msg against the size limit now and writes it when tx commits. All
// messages sent in one transaction are written in a single batch.
func (t *Transport) Send(ctx context.Context, destination string, msg *models.TransportMessage, tx *transaction.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if destination == "" {
		return errors.New("destination topic cannot be empty")
	}
	if err := transport.CheckSize(msg, t.config.MaxMessageBytes); err != nil {
		return fmt.Errorf("send to %q: %w", destination, err)
	}

	var created *outbox
	item, err := tx.GetOrAdd(fmt.Sprintf("kafka-outbox-%p", t), func() (any, error) {
		created = &outbox{}
		return created, nil
	})
	if err != nil {
		return err
	}
	if created != nil {
		tx.OnCommit(func(ctx context.Context) error {
			return t.flush(ctx, created)
		})
	}

	box := item.(*outbox)
	box.mu.Lock()
	box.messages = append(box.messages, toKafkaMessage(destination, msg))
	box.mu.Unlock()
	return nil
}

func (t *Transport) flush(ctx context.Context, box *outbox) error {
	box.mu.Lock()
	messages := box.messages
	box.messages = nil
	box.mu.Unlock()

	if len(messages) == 0 {
		return nil
	}
	if err := t.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write %d messages: %w", len(messages), err)
	}
	t.logger.WithField("count", len(messages)).Debug("Messages written")
	return nil
}

// Receive fetches the next message, or returns nil when none arrives within the
// receive timeout.
func (t *Transport) Receive(ctx context.Context, tx *transaction.Context) (*models.TransportMessage, error) {
	reader, generation, err := t.currentReader()
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, t.config.ReceiveTimeout)
	defer cancel()

	km, err := reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	t.offsets.track(generation, km)

	tx.OnCommit(func(ctx context.Context) error {
		if err := t.offsets.await(ctx, generation, km); err != nil {
			return fmt.Errorf("commit offset %d of %s[%d]: %w", km.Offset, km.Topic, km.Partition, err)
		}
		if err := reader.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("commit offset %d of %s[%d]: %w", km.Offset, km.Topic, km.Partition, err)
		}
		t.offsets.committed(generation, km)
		return nil
	})
	tx.OnAborted(func(ctx context.Context) {
		if t.offsets.rolledBack(generation, km) {
			t.requestRewind(km)
		}
	})

	return toTransportMessage(km), nil
}

func (t *Transport) currentReader() (messageReader, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, 0, errors.New("transport is closed")
	}
	if t.reader == nil {
		return nil, 0, errors.New("send-only transport cannot receive")
	}

	if t.rewind {
		if err := t.reader.Close(); err != nil {
			t.logger.WithError(err).Warn("Failed to close reader before rewind")
		}
		t.reader = t.newReader()
		t.rewind = false
		t.offsets.reset()
		t.logger.WithField("topic", t.config.Topic).Info("Reader reopened at last committed offset")
	}
	return t.reader, t.offsets.current(), nil
}

func (t *Transport) requestRewind(km kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rewind = true
	t.logger.WithFields(logrus.Fields{
		"topic":     km.Topic,
		"partition": km.Partition,
		"offset":    km.Offset,
	}).Warn("Receive rolled back, message will be redelivered")
}

// HealthCheck verifies connectivity to the first broker
func (t *Transport) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", t.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(t.config.ReadTimeout))
	}

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read partitions: %w", err)
	}
	return nil
}

// Close shuts down reader and writer.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.reader != nil {
		if err := t.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}
