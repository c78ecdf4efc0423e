package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.False(t, opts.Enabled)
	assert.Equal(t, 200_000, opts.ByteThreshold)
	assert.Equal(t, CompressionNone, opts.Compression)
	assert.Equal(t, 1, opts.UploadRetry.MaxAttempts)
	assert.NoError(t, opts.Validate())
}

func TestAlwaysFallback(t *testing.T) {
	opts := AlwaysFallback("overflow")

	assert.True(t, opts.Enabled)
	assert.Equal(t, 0, opts.ByteThreshold)
	assert.Equal(t, "overflow", opts.Store.Upload.Bucket)
	assert.NoError(t, opts.ValidateStore())
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"negative threshold", func(o *Options) { o.ByteThreshold = -1 }},
		{"unknown compression", func(o *Options) { o.Compression = "brotli" }},
		{"negative attempts", func(o *Options) { o.UploadRetry.MaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestOptions_ValidateStore(t *testing.T) {
	opts := DefaultOptions()
	assert.Error(t, opts.ValidateStore(), "bucket is required")

	opts.Store.Upload.Bucket = "overflow"
	opts.Store.Upload.StorageClass = "PLATINUM"
	assert.Error(t, opts.ValidateStore())
}

func TestCalculateBackoff(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}

	assert.Equal(t, 100*time.Millisecond, calculateBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(policy, 1))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(policy, 2))
	assert.Equal(t, time.Second, calculateBackoff(policy, 10))

	policy.Jitter = true
	for i := 0; i < 20; i++ {
		backoff := calculateBackoff(policy, 1)
		assert.GreaterOrEqual(t, backoff, 200*time.Millisecond)
		assert.LessOrEqual(t, backoff, 250*time.Millisecond)
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	assert.Equal(t, 1, RetryPolicy{}.attempts())
	assert.Equal(t, 3, RetryPolicy{MaxAttempts: 3}.attempts())
}
