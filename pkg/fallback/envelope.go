package fallback

import (
	"encoding/json"
	"fmt"
	"strings"

	"go-overflow/pkg/models"
)

// maxObjectSize is the largest object S3 stores.
const maxObjectSize = 5 << 40

// Claim is the pointer carried in the s3-fallback header of an offloaded message.
type Claim struct {
	Bucket      string      `json:"bucket,omitempty"`
	Key         string      `json:"key"`
	Size        int64       `json:"size"`
	Checksum    string      `json:"checksum,omitempty"`
	Compression Compression `json:"compression,omitempty"`
}

// Verifiable reports whether the claim carries a size and checksum to check against.
func (c Claim) Verifiable() bool {
	return c.Checksum != ""
}

// HeaderValue renders the claim as the s3-fallback header value.
func (c Claim) HeaderValue() (string, error) {
	if c.Key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidClaim)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claim: %w", err)
	}
	return string(data), nil
}

// ParseClaim reads an s3-fallback header value. A value that is not a JSON object is
// taken as a bare blob key.
func ParseClaim(value string) (Claim, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Claim{}, fmt.Errorf("%w: empty header", ErrInvalidClaim)
	}

	if !strings.HasPrefix(value, "{") {
		return Claim{Key: value}, nil
	}

	var claim Claim
	if err := json.Unmarshal([]byte(value), &claim); err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
	if claim.Key == "" {
		return Claim{}, fmt.Errorf("%w: missing key", ErrInvalidClaim)
	}
	if claim.Size < 0 || claim.Size > maxObjectSize {
		return Claim{}, fmt.Errorf("%w: size %d out of range", ErrInvalidClaim, claim.Size)
	}
	switch claim.Compression {
	case "", CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return Claim{}, fmt.Errorf("%w: unknown compression %q", ErrInvalidClaim, claim.Compression)
	}
	return claim, nil
}

// Encode builds the envelope sent in place of msg: every header of msg, the
// s3-fallback header set to the claim, and an empty body. limit is the transport
// ceiling in bytes, 0 if unknown.
func Encode(msg *models.TransportMessage, claim Claim, limit int) (*models.TransportMessage, error) {
	value, err := claim.HeaderValue()
	if err != nil {
		return nil, err
	}

	envelope := models.NewTransportMessage(msg.Headers, []byte{})
	envelope.Headers[models.HeaderS3Fallback] = value

	if size := envelope.WireSize(); limit > 0 && size > limit {
		return nil, &EnvelopeOverflowError{Size: size, Limit: limit}
	}
	return envelope, nil
}

// Decode rebuilds the delivered message from a received envelope and the downloaded
// body. The s3-fallback header is kept so handlers can see the body was offloaded.
func Decode(received *models.TransportMessage, body []byte) *models.TransportMessage {
	return models.NewTransportMessage(received.Headers, body)
}
