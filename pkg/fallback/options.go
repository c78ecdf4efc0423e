package fallback

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"go-overflow/pkg/blobstore/s3"
)

// DefaultByteThreshold keeps offloaded envelopes well under a 256KB queue ceiling.
const DefaultByteThreshold = 200_000

// Compression selects how offloaded bodies are stored in the blob store.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// Options controls if and how message bodies are moved to the blob store.
type Options struct {
	// Enabled turns the fallback on. When false the transport is a pure pass-through.
	Enabled bool

	// ByteThreshold is the body size, in bytes, at which a message is offloaded.
	// 0 offloads every message.
	ByteThreshold int `validate:"gte=0"`

	// KeyPrefix is prepended to every blob key (e.g. "overflow/").
	KeyPrefix string `validate:"omitempty,max=256"`

	// Compression applied to the stored blob. Empty means none.
	Compression Compression `validate:"omitempty,oneof=none zstd lz4"`

	// UploadRetry controls retries of failed uploads; every attempt uses a fresh key.
	UploadRetry RetryPolicy

	// Store configures the S3 blob store used by NewS3.
	Store s3.Config `validate:"-"`
}

// RetryPolicy controls upload retries.
type RetryPolicy struct {
	MaxAttempts    int           `validate:"gte=0"`
	InitialBackoff time.Duration `validate:"gte=0"`
	MaxBackoff     time.Duration `validate:"gte=0"`
	BackoffFactor  float64       `validate:"gte=0"`
	Jitter         bool
}

// DefaultOptions returns the fallback disabled, with a 200_000 byte threshold.
func DefaultOptions() Options {
	return Options{
		Enabled:       false,
		ByteThreshold: DefaultByteThreshold,
		Compression:   CompressionNone,
		UploadRetry: RetryPolicy{
			MaxAttempts:    1,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
	}
}

// AlwaysFallback returns options that offload every message to bucket.
func AlwaysFallback(bucket string) Options {
	opts := DefaultOptions()
	opts.Enabled = true
	opts.ByteThreshold = 0
	opts.Store.Upload.Bucket = bucket
	return opts
}

// ShouldOffload applies the threshold policy to a body of bodySize bytes.
func (o Options) ShouldOffload(bodySize int) bool {
	return ShouldOffload(o.Enabled, bodySize, o.ByteThreshold)
}

var validate = validator.New()

// Validate checks the options, not including Store.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid fallback options: %w", err)
	}
	return nil
}

// ValidateStore checks the S3 upload template.
func (o Options) ValidateStore() error {
	if err := validate.Struct(o.Store.Upload); err != nil {
		return fmt.Errorf("invalid fallback store options: %w", err)
	}
	return nil
}

func (o Options) compression() Compression {
	if o.Compression == "" {
		return CompressionNone
	}
	return o.Compression
}
