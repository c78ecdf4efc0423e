// Package consumer runs a pool of workers that receive, handle and commit messages
// one transaction at a time.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-overflow/internal/observability"
	"go-overflow/pkg/models"
	"go-overflow/pkg/transaction"
	"go-overflow/pkg/transport"
)

// MessageHandler processes received messages
type MessageHandler func(ctx context.Context, msg *models.TransportMessage) error

type Config struct {
	Workers        int
	HandlerTimeout time.Duration
	// IdleBackoff is how long a worker sleeps after an empty receive or a receive error.
	IdleBackoff time.Duration
	Metrics     observability.MetricsCollector
	DedupeStore DedupeStore
	Logger      *logrus.Logger
}

// Consumer pulls from a transport with a worker pool. Every message is handled in its
// own transaction: a handler error rolls it back so the transport redelivers it.
type Consumer struct {
	transport      transport.Transport
	logger         *logrus.Logger
	metrics        observability.MetricsCollector
	dedupeStore    DedupeStore
	workers        int
	handlerTimeout time.Duration
	idleBackoff    time.Duration
	wg             sync.WaitGroup
}

func New(t transport.Transport, cfg Config) *Consumer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 5
	}
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = 100 * time.Millisecond
	}

	return &Consumer{
		transport:      t,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		dedupeStore:    cfg.DedupeStore,
		workers:        cfg.Workers,
		handlerTimeout: cfg.HandlerTimeout,
		idleBackoff:    cfg.IdleBackoff,
	}
}

// Start runs the workers until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) error {
	c.logger.WithFields(logrus.Fields{
		"workers": c.workers,
		"address": c.transport.Address(),
	}).Info("Starting consumer")

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, handler)
	}

	c.wg.Wait()
	c.logger.Info("Consumer stopped")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, handler MessageHandler) {
	defer c.wg.Done()
	log := c.logger.WithField("worker_id", id)
	log.Debug("Worker started")

	for {
		if ctx.Err() != nil {
			log.Debug("Worker stopping due to context cancellation")
			return
		}

		received, err := c.ProcessOne(ctx, handler)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Message not committed")
		}
		if received && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(c.idleBackoff):
		}
	}
}

// ProcessOne receives at most one message and handles it in a transaction. It
// reports whether a message was received.
func (c *Consumer) ProcessOne(ctx context.Context, handler MessageHandler) (bool, error) {
	var msg *models.TransportMessage
	start := time.Now()

	err := transaction.Run(ctx, func(tx *transaction.Context) error {
		var err error
		msg, err = c.transport.Receive(ctx, tx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if msg == nil {
			return nil
		}
		return c.handle(ctx, tx, msg, handler)
	})

	if msg == nil {
		return false, err
	}

	log := c.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageID(),
		"duration":   time.Since(start),
	})
	if err != nil {
		c.metrics.IncFailed()
		log.WithError(err).Error("Message processing failed")
		return true, err
	}

	c.metrics.IncProcessed()
	log.Debug("Message processed successfully")
	return true, nil
}

func (c *Consumer) handle(ctx context.Context, tx *transaction.Context, msg *models.TransportMessage, handler MessageHandler) error {
	msgID := msg.MessageID()

	if c.dedupeStore != nil && msgID != "" {
		if c.dedupeStore.Exists(msgID) {
			c.logger.WithField("message_id", msgID).Info("Duplicate message detected, skipping")
			return nil
		}
		tx.OnCompleted(func(context.Context) {
			if err := c.dedupeStore.Add(msgID); err != nil {
				c.logger.WithError(err).WithField("message_id", msgID).Warn("Failed to record message id")
			}
		})
	}

	handlerCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	if err := handler(handlerCtx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("handler timed out after %s: %w", c.handlerTimeout, err)
		}
		return err
	}
	return nil
}
