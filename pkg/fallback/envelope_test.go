package fallback

import (
	"strings"
	"testing"

	"go-overflow/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaim() Claim {
	return Claim{
		Bucket:      "overflow",
		Key:         "m1/3f0c",
		Size:        330_000,
		Checksum:    "abc123",
		Compression: CompressionZstd,
	}
}

func TestEncode(t *testing.T) {
	msg := models.NewTransportMessage(map[string]string{
		models.HeaderMessageID:   "m1",
		models.HeaderContentType: "application/json",
		"x-custom":               "ÆØÅ",
	}, []byte(strings.Repeat("a", 330_000)))

	envelope, err := Encode(msg, testClaim(), 0)
	require.NoError(t, err)

	assert.Empty(t, envelope.Body)
	assert.Len(t, envelope.Headers, 4)
	for k, v := range msg.Headers {
		assert.Equal(t, v, envelope.Headers[k])
	}

	claim, err := ParseClaim(envelope.Headers[models.HeaderS3Fallback])
	require.NoError(t, err)
	assert.Equal(t, testClaim(), claim)

	_, leaked := msg.Headers[models.HeaderS3Fallback]
	assert.False(t, leaked, "Encode must not modify the original message")
}

func TestEncode_Overflow(t *testing.T) {
	msg := models.NewTransportMessage(map[string]string{
		"x-large": strings.Repeat("h", 500),
	}, []byte("body"))

	_, err := Encode(msg, testClaim(), 256)

	require.Error(t, err)
	assert.True(t, IsEnvelopeOverflow(err))

	var overflow *EnvelopeOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Equal(t, 256, overflow.Limit)
	assert.Greater(t, overflow.Size, 256)
}

func TestEncode_EmptyKey(t *testing.T) {
	_, err := Encode(models.NewTransportMessage(nil, nil), Claim{}, 0)
	assert.ErrorIs(t, err, ErrInvalidClaim)
}

func TestParseClaim(t *testing.T) {
	t.Run("bare key", func(t *testing.T) {
		claim, err := ParseClaim("legacy/key-1")
		require.NoError(t, err)
		assert.Equal(t, Claim{Key: "legacy/key-1"}, claim)
		assert.False(t, claim.Verifiable())
	})

	t.Run("json claim", func(t *testing.T) {
		claim, err := ParseClaim(`{"bucket":"b","key":"k","size":3,"checksum":"c"}`)
		require.NoError(t, err)
		assert.Equal(t, "k", claim.Key)
		assert.True(t, claim.Verifiable())
	})

	invalid := map[string]string{
		"empty":               "",
		"malformed json":      `{"key":`,
		"missing key":         `{"bucket":"b"}`,
		"unknown compression": `{"key":"k","compression":"brotli"}`,
		"negative size":       `{"key":"k","size":-1,"checksum":"00"}`,
		"size beyond s3 max":  `{"key":"k","size":9000000000000000000,"checksum":"00"}`,
	}
	for name, value := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClaim(value)
			assert.ErrorIs(t, err, ErrInvalidClaim)
		})
	}
}

func TestDecode_KeepsPointerHeader(t *testing.T) {
	value, err := testClaim().HeaderValue()
	require.NoError(t, err)

	received := models.NewTransportMessage(map[string]string{
		models.HeaderMessageID:  "m1",
		models.HeaderS3Fallback: value,
	}, []byte{})

	msg := Decode(received, []byte("full body"))

	assert.Equal(t, []byte("full body"), msg.Body)
	assert.Equal(t, "m1", msg.MessageID())
	assert.Equal(t, value, msg.Headers[models.HeaderS3Fallback])
}
