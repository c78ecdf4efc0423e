package fallback

import (
	"errors"
	"fmt"

	"go-overflow/pkg/blobstore"
)

var (
	ErrInvalidClaim     = errors.New("invalid s3 fallback claim")
	ErrChecksumMismatch = errors.New("offloaded body checksum mismatch")
)

// UploadError means the body could not be stored; the message was not enqueued.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload message body %q: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// DownloadError means an offloaded body could not be reassembled. The received
// message stays unacknowledged.
type DownloadError struct {
	Key string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download message body %q: %v", e.Key, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// EnvelopeOverflowError means even the pointer envelope exceeds the transport ceiling.
type EnvelopeOverflowError struct {
	Size  int
	Limit int
}

func (e *EnvelopeOverflowError) Error() string {
	return fmt.Sprintf("envelope of %d bytes exceeds transport limit of %d bytes", e.Size, e.Limit)
}

// IsUploadFailure checks if err came from a failed upload
func IsUploadFailure(err error) bool {
	var uploadErr *UploadError
	return errors.As(err, &uploadErr)
}

// IsDownloadFailure checks if err came from a failed download
func IsDownloadFailure(err error) bool {
	var downloadErr *DownloadError
	return errors.As(err, &downloadErr)
}

// IsNotFound checks if err means the offloaded blob is missing
func IsNotFound(err error) bool {
	return errors.Is(err, blobstore.ErrNotFound)
}

// IsEnvelopeOverflow checks if err means the envelope itself is too large
func IsEnvelopeOverflow(err error) bool {
	var overflowErr *EnvelopeOverflowError
	return errors.As(err, &overflowErr)
}
