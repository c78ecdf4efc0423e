package fallback

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// zstdEncoder is reused across calls. zstd.Encoder is safe for concurrent EncodeAll.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("fallback: zstd encoder initialization failed: " + err.Error())
	}
}

// maxPrealloc caps the read buffer sized from a claim; larger bodies grow as read.
const maxPrealloc = 64 << 20

// checksum returns the hex blake3-256 digest of body.
func checksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// encodePayload produces the bytes uploaded for body.
func encodePayload(body []byte, compression Compression) ([]byte, error) {
	switch compression {
	case "", CompressionNone:
		return body, nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2)), nil

	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression: %q", compression)
	}
}

// readBody drains r, undoing the claim's compression, and checks size and checksum
// when the claim carries them.
func readBody(r io.Reader, claim Claim) ([]byte, error) {
	var src io.Reader

	switch claim.Compression {
	case "", CompressionNone:
		src = r

	case CompressionZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		defer dec.Close()
		src = dec

	case CompressionLZ4:
		src = lz4.NewReader(r)

	default:
		return nil, fmt.Errorf("unsupported compression: %q", claim.Compression)
	}

	var buf bytes.Buffer
	if claim.Size > 0 {
		buf.Grow(int(min(claim.Size, maxPrealloc)))
	}
	hasher := blake3.New()

	if _, err := io.Copy(io.MultiWriter(&buf, hasher), src); err != nil {
		return nil, fmt.Errorf("read offloaded body: %w", err)
	}

	if claim.Verifiable() {
		if int64(buf.Len()) != claim.Size {
			return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrChecksumMismatch, buf.Len(), claim.Size)
		}
		if got := hex.EncodeToString(hasher.Sum(nil)); got != claim.Checksum {
			return nil, fmt.Errorf("%w: got %s", ErrChecksumMismatch, got)
		}
	}

	return buf.Bytes(), nil
}
