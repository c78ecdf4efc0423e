package fallback

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go-overflow/internal/observability"
	"go-overflow/pkg/blobstore"
	blobmemory "go-overflow/pkg/blobstore/memory"
	"go-overflow/pkg/models"
	"go-overflow/pkg/transaction"
	"go-overflow/pkg/transport"
	"go-overflow/pkg/transport/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queue = "input"

type fixture struct {
	network  *memory.Network
	bucket   *blobmemory.Bucket
	metrics  *observability.InMemoryMetrics
	logs     *bytes.Buffer
	sender   *Transport
	receiver *Transport
}

func newFixture(t *testing.T, opts Options, maxMessageBytes int) *fixture {
	t.Helper()

	f := &fixture{
		network: memory.NewNetwork(),
		bucket:  blobmemory.NewBucket("overflow"),
		metrics: observability.NewInMemoryMetrics(),
		logs:    &bytes.Buffer{},
	}
	options := []Option{
		WithLogger(observability.NewTestLogger(f.logs)),
		WithMetrics(f.metrics),
	}

	var err error
	f.sender, err = New(memory.NewTransport(f.network, "", maxMessageBytes), opts, f.bucket.Factory(), options...)
	require.NoError(t, err)
	f.receiver, err = New(memory.NewTransport(f.network, queue, maxMessageBytes), opts, f.bucket.Factory(), options...)
	require.NoError(t, err)
	return f
}

func enabledOptions(threshold int) Options {
	opts := DefaultOptions()
	opts.Enabled = true
	opts.ByteThreshold = threshold
	return opts
}

func message(id string, body []byte) *models.TransportMessage {
	return models.NewTransportMessage(map[string]string{
		models.HeaderMessageID:   id,
		models.HeaderContentType: "text/plain; charset=utf-8",
		"x-tenant":               "acme",
	}, body)
}

func (f *fixture) send(ctx context.Context, msg *models.TransportMessage) error {
	return transaction.Run(ctx, func(tx *transaction.Context) error {
		return f.sender.Send(ctx, queue, msg, tx)
	})
}

// receiveAndCommit receives one message and commits its transaction.
func (f *fixture) receiveAndCommit(t *testing.T, ctx context.Context) *models.TransportMessage {
	t.Helper()

	var got *models.TransportMessage
	err := transaction.Run(ctx, func(tx *transaction.Context) error {
		var err error
		got, err = f.receiver.Receive(ctx, tx)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestTransport_OffloadsLargeBody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(200_000), 256*1024)
	body := []byte(strings.Repeat("x", 330_000))

	require.NoError(t, f.send(ctx, message("m1", body)))

	queued := f.network.Messages(queue)
	require.Len(t, queued, 1)
	assert.Empty(t, queued[0].Body)
	assert.Contains(t, queued[0].Headers, models.HeaderS3Fallback)
	assert.Equal(t, "acme", queued[0].Headers["x-tenant"])
	assert.Equal(t, 1, f.bucket.Len())

	got := f.receiveAndCommit(t, ctx)

	assert.Equal(t, body, got.Body)
	assert.Equal(t, "m1", got.MessageID())
	assert.Equal(t, "acme", got.Headers["x-tenant"])
	assert.Contains(t, got.Headers, models.HeaderS3Fallback)
	assert.Equal(t, 0, f.bucket.Len(), "blob is deleted after commit")
	assert.Equal(t, 0, f.network.Count(queue))

	assert.Equal(t, int64(1), f.metrics.GetOffloaded())
	assert.Equal(t, int64(1), f.metrics.GetReassembled())
	assert.Equal(t, int64(1), f.metrics.GetBlobDeleted())
}

func TestTransport_ThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(1000), 0)

	require.NoError(t, f.send(ctx, message("small", make([]byte, 100))))
	require.NoError(t, f.send(ctx, message("large", make([]byte, 2000))))

	small := f.receiveAndCommit(t, ctx)
	large := f.receiveAndCommit(t, ctx)

	assert.NotContains(t, small.Headers, models.HeaderS3Fallback)
	assert.Len(t, small.Body, 100)
	assert.Contains(t, large.Headers, models.HeaderS3Fallback)
	assert.Len(t, large.Body, 2000)
	assert.Equal(t, int64(1), f.bucket.Puts.Load())
}

func TestTransport_DisabledIsPassThrough(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.ByteThreshold = 0
	f := newFixture(t, opts, 0)
	body := bytes.Repeat([]byte{0xAB}, 5<<20)

	require.NoError(t, f.send(ctx, message("m1", body)))
	got := f.receiveAndCommit(t, ctx)

	assert.Equal(t, body, got.Body)
	assert.NotContains(t, got.Headers, models.HeaderS3Fallback)
	assert.Equal(t, int64(0), f.bucket.Opened.Load())
	assert.Equal(t, int64(0), f.bucket.Puts.Load())
}

func TestTransport_DisabledLeavesPointerHeadersAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions(), 0)
	msg := message("m1", nil)
	msg.Headers[models.HeaderS3Fallback] = "some/key"

	require.NoError(t, f.send(ctx, msg))
	got := f.receiveAndCommit(t, ctx)

	assert.Equal(t, "some/key", got.Headers[models.HeaderS3Fallback])
	assert.Equal(t, int64(0), f.bucket.Reads.Load())
}

func TestTransport_ZeroThresholdOffloadsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(0), 0)

	require.NoError(t, f.send(ctx, message("empty", []byte{})))
	require.NoError(t, f.send(ctx, message("one", []byte("a"))))

	for _, q := range f.network.Messages(queue) {
		assert.Contains(t, q.Headers, models.HeaderS3Fallback)
	}

	assert.Empty(t, f.receiveAndCommit(t, ctx).Body)
	assert.Equal(t, []byte("a"), f.receiveAndCommit(t, ctx).Body)
	assert.Equal(t, 0, f.bucket.Len())
}

func TestTransport_RollbackKeepsBlobForRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)
	body := []byte(strings.Repeat("payload ", 100))
	require.NoError(t, f.send(ctx, message("m1", body)))

	handlerErr := errors.New("handler failed")
	err := transaction.Run(ctx, func(tx *transaction.Context) error {
		got, err := f.receiver.Receive(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, body, got.Body)
		return handlerErr
	})
	require.ErrorIs(t, err, handlerErr)

	assert.Equal(t, 1, f.bucket.Len(), "blob survives rollback")
	assert.Equal(t, 1, f.network.Count(queue), "envelope is redelivered")

	got := f.receiveAndCommit(t, ctx)
	assert.Equal(t, body, got.Body)
	assert.Equal(t, 0, f.bucket.Len())
}

func TestTransport_UploadFailureEnqueuesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)
	f.bucket.PutFunc = func(ctx context.Context, key string, data []byte) error {
		return errors.New("access denied")
	}

	err := f.send(ctx, message("m1", make([]byte, 100)))

	require.Error(t, err)
	assert.True(t, IsUploadFailure(err))
	assert.Contains(t, err.Error(), "access denied")
	assert.Equal(t, 0, f.network.Count(queue))
	assert.Equal(t, int64(1), f.metrics.GetUploadFailed())
}

func TestTransport_UploadRetryUsesFreshKeys(t *testing.T) {
	ctx := context.Background()
	opts := enabledOptions(10)
	opts.UploadRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}
	f := newFixture(t, opts, 0)

	var keys []string
	f.bucket.PutFunc = func(ctx context.Context, key string, data []byte) error {
		keys = append(keys, key)
		if len(keys) < 3 {
			return errors.New("throttled")
		}
		return nil
	}

	require.NoError(t, f.send(ctx, message("m1", make([]byte, 100))))

	require.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[1])
	assert.NotEqual(t, keys[1], keys[2])
	assert.Equal(t, []string{keys[2]}, f.bucket.Keys())

	claim, err := ParseClaim(f.network.Messages(queue)[0].Headers[models.HeaderS3Fallback])
	require.NoError(t, err)
	assert.Equal(t, keys[2], claim.Key)
}

func TestTransport_MissingBlobFailsReceive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)
	require.NoError(t, f.send(ctx, message("m1", make([]byte, 100))))

	for _, key := range f.bucket.Keys() {
		store, err := f.bucket.Factory().NewBlobStore(ctx)
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, key))
	}

	err := transaction.Run(ctx, func(tx *transaction.Context) error {
		_, err := f.receiver.Receive(ctx, tx)
		return err
	})

	require.Error(t, err)
	assert.True(t, IsDownloadFailure(err))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 1, f.network.Count(queue), "envelope stays unacknowledged")
	assert.Equal(t, int64(1), f.metrics.GetDownloadFailed())
}

func TestTransport_CorruptBlobFailsReceive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)
	require.NoError(t, f.send(ctx, message("m1", []byte(strings.Repeat("a", 100)))))

	store, err := f.bucket.Factory().NewBlobStore(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, f.bucket.Keys()[0], []byte(strings.Repeat("b", 100))))

	err = transaction.Run(ctx, func(tx *transaction.Context) error {
		_, err := f.receiver.Receive(ctx, tx)
		return err
	})

	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, 1, f.network.Count(queue))
}

func TestTransport_DeleteFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)
	f.bucket.DeleteFunc = func(ctx context.Context, key string) error {
		return errors.New("delete forbidden")
	}
	body := make([]byte, 100)
	require.NoError(t, f.send(ctx, message("m1", body)))

	got := f.receiveAndCommit(t, ctx)

	assert.Equal(t, body, got.Body)
	assert.Equal(t, 0, f.network.Count(queue))
	assert.Equal(t, 1, f.bucket.Len(), "blob is leaked, not redelivered")
	assert.Equal(t, int64(1), f.metrics.GetDeleteFailed())
	assert.Contains(t, f.logs.String(), "Failed to delete offloaded blob")
	assert.Contains(t, f.logs.String(), `"level":"warning"`)
}

func TestTransport_CancelledSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFixture(t, enabledOptions(10), 0)

	err := f.send(ctx, message("m1", make([]byte, 100)))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), f.bucket.Puts.Load())
	assert.Equal(t, 0, f.network.Count(queue))
}

func TestTransport_EnvelopeOverflowDetectedBeforeUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(0), 256)
	msg := message("m1", []byte("tiny"))
	msg.Headers["x-huge"] = strings.Repeat("h", 300)

	err := f.send(ctx, msg)

	require.Error(t, err)
	assert.True(t, IsEnvelopeOverflow(err))
	assert.Equal(t, int64(0), f.bucket.Puts.Load())
	assert.Equal(t, 0, f.network.Count(queue))
}

func TestTransport_AbortedSendDeletesBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)

	tx := transaction.New()
	require.NoError(t, f.sender.Send(ctx, queue, message("m1", make([]byte, 100)), tx))
	assert.Equal(t, 1, f.bucket.Len())
	tx.Dispose()

	assert.Equal(t, 0, f.bucket.Len())
	assert.Equal(t, 0, f.network.Count(queue))
	assert.Equal(t, int64(1), f.bucket.Closed.Load())
}

type failingTransport struct {
	err error
}

func (f failingTransport) Address() string { return "" }

func (f failingTransport) Send(ctx context.Context, destination string, msg *models.TransportMessage, tx *transaction.Context) error {
	return f.err
}

func (f failingTransport) Receive(ctx context.Context, tx *transaction.Context) (*models.TransportMessage, error) {
	return nil, nil
}

func TestTransport_BaseSendFailureDeletesBlobOnce(t *testing.T) {
	ctx := context.Background()
	bucket := blobmemory.NewBucket("overflow")
	sendErr := errors.New("broker unavailable")
	tr, err := New(failingTransport{err: sendErr}, enabledOptions(10), bucket.Factory())
	require.NoError(t, err)

	err = transaction.Run(ctx, func(tx *transaction.Context) error {
		return tr.Send(ctx, queue, message("m1", make([]byte, 100)), tx)
	})

	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, bucket.Len())
	assert.Equal(t, int64(1), bucket.Deletes.Load())
}

func TestTransport_ForwardingStripsStalePointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(1000), 0)
	msg := message("m1", []byte("small body"))
	msg.Headers[models.HeaderS3Fallback] = `{"key":"already/deleted"}`

	require.NoError(t, f.send(ctx, msg))
	got := f.receiveAndCommit(t, ctx)

	assert.NotContains(t, got.Headers, models.HeaderS3Fallback)
	assert.Equal(t, []byte("small body"), got.Body)
	assert.Contains(t, msg.Headers, models.HeaderS3Fallback, "caller's message is untouched")
}

func TestTransport_OneStorePerTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)

	err := transaction.Run(ctx, func(tx *transaction.Context) error {
		for _, id := range []string{"m1", "m2", "m3"} {
			if err := f.sender.Send(ctx, queue, message(id, make([]byte, 100)), tx); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.bucket.Opened.Load())
	assert.Equal(t, int64(1), f.bucket.Closed.Load())
	assert.Equal(t, 3, f.bucket.Len())
}

func TestTransport_CompressedRoundTrip(t *testing.T) {
	body := []byte(strings.Repeat("blåbærsyltetøy ✓ 日本語 ", 150_000))

	for _, compression := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(compression), func(t *testing.T) {
			ctx := context.Background()
			opts := enabledOptions(200_000)
			opts.Compression = compression
			f := newFixture(t, opts, 256*1024)

			require.NoError(t, f.send(ctx, message("m1", body)))

			stored, ok := f.bucket.Object(f.bucket.Keys()[0])
			require.True(t, ok)
			assert.Less(t, len(stored), len(body))

			got := f.receiveAndCommit(t, ctx)
			assert.True(t, bytes.Equal(body, got.Body))
		})
	}
}

func TestTransport_LongStringRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(DefaultByteThreshold), 0)
	text := strings.Repeat("DET HER ER BARE EN NORMAL STRENG", 10000)

	require.NoError(t, f.send(ctx, message("m1", []byte(text))))
	got := f.receiveAndCommit(t, ctx)

	assert.Equal(t, text, string(got.Body))
	assert.Contains(t, got.Headers, models.HeaderS3Fallback)
}

func TestTransport_KeyPrefix(t *testing.T) {
	ctx := context.Background()
	opts := enabledOptions(10)
	opts.KeyPrefix = "overflow/"
	f := newFixture(t, opts, 0)

	require.NoError(t, f.send(ctx, message("m1", make([]byte, 100))))

	keys := f.bucket.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "overflow/m1/"))
}

func TestTransport_MaxMessageBytes(t *testing.T) {
	f := newFixture(t, enabledOptions(10), 4096)

	assert.Equal(t, 4096, f.sender.MaxMessageBytes())
	assert.Equal(t, 4096, transport.MaxMessageBytes(f.sender))
	assert.Equal(t, queue, f.receiver.Address())
}

func TestNew_Validation(t *testing.T) {
	base := memory.NewTransport(memory.NewNetwork(), "", 0)

	_, err := New(nil, DefaultOptions(), nil)
	assert.Error(t, err)

	_, err = New(base, enabledOptions(10), nil)
	assert.Error(t, err, "enabled fallback needs a blob store")

	_, err = New(base, DefaultOptions(), nil)
	assert.NoError(t, err)

	bad := enabledOptions(10)
	bad.Compression = "brotli"
	_, err = New(base, bad, blobmemory.NewBucket("b").Factory())
	assert.Error(t, err)
}

func TestNewS3_RequiresBucket(t *testing.T) {
	base := memory.NewTransport(memory.NewNetwork(), "", 0)

	_, err := NewS3(context.Background(), base, enabledOptions(10))
	assert.Error(t, err)
}

type checkedFactory struct {
	blobstore.Factory
	err error
}

func (f checkedFactory) HealthCheck(ctx context.Context) error {
	return f.err
}

func TestTransport_HealthCheck(t *testing.T) {
	ctx := context.Background()
	base := memory.NewTransport(memory.NewNetwork(), "", 0)
	bucket := blobmemory.NewBucket("overflow")

	plain, err := New(base, enabledOptions(10), bucket.Factory())
	require.NoError(t, err)
	assert.NoError(t, plain.HealthCheck(ctx))

	unreachable := errors.New("bucket unreachable")
	checked, err := New(base, enabledOptions(10), checkedFactory{Factory: bucket.Factory(), err: unreachable})
	require.NoError(t, err)
	assert.ErrorIs(t, checked.HealthCheck(ctx), unreachable)

	disabled, err := New(base, DefaultOptions(), checkedFactory{Factory: bucket.Factory(), err: unreachable})
	require.NoError(t, err)
	assert.NoError(t, disabled.HealthCheck(ctx))
}

func TestTransport_FailedCommitKeepsBlobOfEnqueuedEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)

	err := transaction.Run(ctx, func(tx *transaction.Context) error {
		if err := f.sender.Send(ctx, queue, message("m1", make([]byte, 100)), tx); err != nil {
			return err
		}
		return f.sender.Send(ctx, "no-such-queue", message("m2", make([]byte, 100)), tx)
	})

	require.ErrorIs(t, err, memory.ErrQueueNotFound)
	require.Equal(t, 1, f.network.Count(queue), "m1 was delivered before the failing commit action")
	assert.Equal(t, 2, f.bucket.Len())

	got := f.receiveAndCommit(t, ctx)
	assert.Equal(t, "m1", got.MessageID())
	assert.Equal(t, make([]byte, 100), got.Body)
	assert.Equal(t, 1, f.bucket.Len(), "only the undelivered m2 blob is left behind")
}

func TestTransport_ImplausibleClaimSizeFailsReceive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, enabledOptions(10), 0)
	raw := memory.NewTransport(f.network, "", 0)
	envelope := models.NewTransportMessage(map[string]string{
		models.HeaderMessageID:  "m1",
		models.HeaderS3Fallback: `{"key":"k","size":9000000000000000000,"checksum":"00"}`,
	}, []byte{})
	require.NoError(t, transaction.Run(ctx, func(tx *transaction.Context) error {
		return raw.Send(ctx, queue, envelope, tx)
	}))

	err := transaction.Run(ctx, func(tx *transaction.Context) error {
		_, err := f.receiver.Receive(ctx, tx)
		return err
	})

	require.Error(t, err)
	assert.True(t, IsDownloadFailure(err))
	assert.ErrorIs(t, err, ErrInvalidClaim)
}
