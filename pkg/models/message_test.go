package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportMessage_Clone(t *testing.T) {
	original := NewTransportMessage(map[string]string{HeaderMessageID: "msg-1"}, []byte("payload"))

	clone := original.Clone()
	require.NotNil(t, clone)

	clone.Headers["extra"] = "x"
	clone.Body[0] = 'P'

	assert.NotContains(t, original.Headers, "extra")
	assert.Equal(t, []byte("payload"), original.Body)
	assert.Equal(t, "msg-1", clone.MessageID())
}

func TestTransportMessage_CloneNil(t *testing.T) {
	var msg *TransportMessage
	assert.Nil(t, msg.Clone())
	assert.Equal(t, "", msg.MessageID())
	assert.Equal(t, 0, msg.WireSize())
}

func TestTransportMessage_WireSize(t *testing.T) {
	msg := NewTransportMessage(map[string]string{
		"ab":  "cde",
		"key": "",
	}, make([]byte, 10))

	// 2+3 + 3+0 + 10
	assert.Equal(t, 18, msg.WireSize())
}

func TestNewTransportMessage_CopiesHeaders(t *testing.T) {
	headers := map[string]string{HeaderMessageID: "a"}
	msg := NewTransportMessage(headers, nil)

	headers[HeaderMessageID] = "b"
	assert.Equal(t, "a", msg.MessageID())
}
