// Package fallback moves oversized message bodies to a blob store and sends a small
// pointer envelope through the queue instead.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"go-overflow/internal/observability"
	"go-overflow/pkg/blobstore"
	"go-overflow/pkg/blobstore/s3"
	"go-overflow/pkg/models"
	"go-overflow/pkg/transaction"
	"go-overflow/pkg/transport"
)

// Transport decorates a base transport with the blob store fallback.
type Transport struct {
	base     transport.Transport
	opts     Options
	factory  blobstore.Factory
	logger   *logrus.Logger
	metrics  observability.MetricsCollector
	keyFor   func(*models.TransportMessage) string
	storeKey string
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(logger *logrus.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

func WithMetrics(metrics observability.MetricsCollector) Option {
	return func(t *Transport) {
		t.metrics = metrics
	}
}

// WithKeyFunc replaces KeyFor. fn is called once per upload attempt and must
// return a new key every time.
func WithKeyFunc(fn func(*models.TransportMessage) string) Option {
	return func(t *Transport) {
		t.keyFor = fn
	}
}

var _ transport.Transport = (*Transport)(nil)

// New wraps base. factory may be nil only when opts.Enabled is false.
func New(base transport.Transport, opts Options, factory blobstore.Factory, options ...Option) (*Transport, error) {
	if base == nil {
		return nil, errors.New("fallback: base transport is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Enabled && factory == nil {
		return nil, errors.New("fallback: blob store factory is required when enabled")
	}

	t := &Transport{
		base:    base,
		opts:    opts,
		factory: factory,
		logger:  observability.GetLogger(),
		metrics: observability.NewInMemoryMetrics(),
		keyFor:  KeyFor,
	}
	for _, o := range options {
		o(t)
	}
	t.storeKey = fmt.Sprintf("fallback-blobstore-%p", t)
	return t, nil
}

// NewS3 wraps base with an S3 blob store built from opts.Store.
func NewS3(ctx context.Context, base transport.Transport, opts Options, options ...Option) (*Transport, error) {
	if !opts.Enabled {
		return New(base, opts, nil, options...)
	}
	if err := opts.ValidateStore(); err != nil {
		return nil, err
	}
	factory, err := s3.NewFactory(ctx, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("create s3 blob store factory: %w", err)
	}
	return New(base, opts, factory, options...)
}

func (t *Transport) Address() string {
	return t.base.Address()
}

// MaxMessageBytes reports the base transport's ceiling.
func (t *Transport) MaxMessageBytes() int {
	return transport.MaxMessageBytes(t.base)
}

// Options returns the options the transport was built with.
func (t *Transport) Options() Options {
	return t.opts
}

// HealthCheck probes the blob store when the fallback is enabled and the store
// supports it.
func (t *Transport) HealthCheck(ctx context.Context) error {
	if !t.opts.Enabled {
		return nil
	}
	if checker, ok := t.factory.(blobstore.HealthChecker); ok {
		return checker.HealthCheck(ctx)
	}
	return nil
}

// blobStore returns the store shared by every operation in tx, creating it on first use.
func (t *Transport) blobStore(ctx context.Context, tx *transaction.Context) (blobstore.BlobStore, error) {
	var created blobstore.BlobStore

	item, err := tx.GetOrAdd(t.storeKey, func() (any, error) {
		store, err := t.factory.NewBlobStore(ctx)
		if err != nil {
			return nil, err
		}
		created = store
		return store, nil
	})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	if created != nil {
		tx.OnDisposed(func() {
			if err := created.Close(); err != nil {
				t.logger.WithError(err).WithField("bucket", created.Location()).Warn("Failed to close blob store")
			}
		})
	}
	return item.(blobstore.BlobStore), nil
}

// Send offloads msg when its body reaches the threshold. The blob is uploaded before
// the envelope is handed to the base transport, so an upload failure means nothing is
// enqueued.
func (t *Transport) Send(ctx context.Context, destination string, msg *models.TransportMessage, tx *transaction.Context) error {
	if !t.opts.Enabled {
		return t.base.Send(ctx, destination, msg, tx)
	}

	if !t.opts.ShouldOffload(len(msg.Body)) {
		// A forwarded message may still carry the pointer of an earlier hop.
		if _, ok := msg.Headers[models.HeaderS3Fallback]; ok {
			msg = msg.Clone()
			delete(msg.Headers, models.HeaderS3Fallback)
		}
		if err := t.base.Send(ctx, destination, msg, tx); err != nil {
			return err
		}
		t.metrics.IncSent()
		return nil
	}

	return t.sendOffloaded(ctx, destination, msg, tx)
}

func (t *Transport) sendOffloaded(ctx context.Context, destination string, msg *models.TransportMessage, tx *transaction.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log := t.logger.WithFields(logrus.Fields{
		"message_id":  msg.MessageID(),
		"destination": destination,
		"body_bytes":  len(msg.Body),
	})

	compression := t.opts.compression()
	payload, err := encodePayload(msg.Body, compression)
	if err != nil {
		return err
	}

	store, err := t.blobStore(ctx, tx)
	if err != nil {
		t.metrics.IncUploadFailed()
		return &UploadError{Err: err}
	}

	claim := Claim{
		Bucket:      store.Location(),
		Size:        int64(len(msg.Body)),
		Checksum:    checksum(msg.Body),
		Compression: compression,
	}
	limit := transport.MaxMessageBytes(t.base)
	policy := t.opts.UploadRetry

	var envelope *models.TransportMessage
	var uploadErr error

	for attempt := 0; attempt < policy.attempts(); attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, calculateBackoff(policy, attempt-1)); err != nil {
				uploadErr = err
				break
			}
		}

		claim.Key = t.opts.KeyPrefix + t.keyFor(msg)

		envelope, err = Encode(msg, claim, limit)
		if err != nil {
			return err
		}

		uploadErr = store.Put(ctx, claim.Key, payload)
		if uploadErr == nil {
			break
		}
		log.WithError(uploadErr).WithFields(logrus.Fields{
			"key":     claim.Key,
			"attempt": attempt + 1,
		}).Warn("Upload to blob store failed")

		if ctx.Err() != nil {
			break
		}
	}

	if uploadErr != nil {
		t.metrics.IncUploadFailed()
		return &UploadError{Key: claim.Key, Err: uploadErr}
	}

	key := claim.Key
	var once sync.Once
	discard := func(ctx context.Context) {
		once.Do(func() {
			t.deleteBlob(ctx, store, key, msg.MessageID(), "send rolled back")
		})
	}
	tx.OnAborted(func(ctx context.Context) {
		// Once commit actions ran the envelope may already be enqueued; an orphaned
		// blob is preferable to a pointer at a deleted one.
		if tx.CommitStarted() {
			log.WithField("key", key).Warn("Commit failed after it started, keeping offloaded blob")
			return
		}
		discard(ctx)
	})

	if err := t.base.Send(ctx, destination, envelope, tx); err != nil {
		discard(context.WithoutCancel(ctx))
		return err
	}

	t.metrics.IncSent()
	t.metrics.IncOffloaded(len(msg.Body))
	log.WithFields(logrus.Fields{
		"key":    key,
		"stored": len(payload),
	}).Debug("Message body offloaded")
	return nil
}

// Receive reassembles offloaded messages. The blob is deleted only after tx commits;
// on rollback it stays so the redelivered envelope can be resolved again.
func (t *Transport) Receive(ctx context.Context, tx *transaction.Context) (*models.TransportMessage, error) {
	msg, err := t.base.Receive(ctx, tx)
	if err != nil || msg == nil || !t.opts.Enabled {
		return msg, err
	}
	t.metrics.IncReceived()

	value, ok := msg.Headers[models.HeaderS3Fallback]
	if !ok {
		return msg, nil
	}

	claim, err := ParseClaim(value)
	if err != nil {
		t.metrics.IncDownloadFailed()
		return nil, &DownloadError{Err: err}
	}

	body, store, err := t.download(ctx, tx, claim)
	if err != nil {
		t.metrics.IncDownloadFailed()
		t.logger.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.MessageID(),
			"key":        claim.Key,
		}).Error("Failed to reassemble offloaded message")
		return nil, &DownloadError{Key: claim.Key, Err: err}
	}

	messageID := msg.MessageID()
	tx.OnCompleted(func(ctx context.Context) {
		t.deleteBlob(ctx, store, claim.Key, messageID, "message committed")
	})

	t.metrics.IncReassembled(len(body))
	return Decode(msg, body), nil
}

func (t *Transport) download(ctx context.Context, tx *transaction.Context, claim Claim) ([]byte, blobstore.BlobStore, error) {
	store, err := t.blobStore(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	rc, err := store.OpenRead(ctx, claim.Key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	body, err := readBody(rc, claim)
	if err != nil {
		return nil, nil, err
	}
	return body, store, nil
}

// deleteBlob never fails the caller; a leftover blob is only a storage leak.
func (t *Transport) deleteBlob(ctx context.Context, store blobstore.BlobStore, key, messageID, reason string) {
	log := t.logger.WithFields(logrus.Fields{
		"message_id": messageID,
		"key":        key,
		"bucket":     store.Location(),
		"reason":     reason,
	})

	if err := store.Delete(ctx, key); err != nil {
		t.metrics.IncDeleteFailed()
		log.WithError(err).Warn("Failed to delete offloaded blob")
		return
	}
	t.metrics.IncBlobDeleted()
	log.Debug("Offloaded blob deleted")
}
