package models

// TransportMessage is the unit moved by a transport: string headers plus an opaque body.
// Headers may be changed until the message is handed to a transport; transports copy
// the message on handoff.
type TransportMessage struct {
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// MessageHeader constants
const (
	HeaderMessageID   = "message-id"
	HeaderS3Fallback  = "s3-fallback"
	HeaderContentType = "content-type"
)

// NewTransportMessage creates a message with a copy of the given headers.
func NewTransportMessage(headers map[string]string, body []byte) *TransportMessage {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &TransportMessage{Headers: h, Body: body}
}

// MessageID returns the value of the message-id header, or "" when absent.
func (m *TransportMessage) MessageID() string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[HeaderMessageID]
}

// Clone returns a deep copy of the message.
func (m *TransportMessage) Clone() *TransportMessage {
	if m == nil {
		return nil
	}
	var body []byte
	if m.Body != nil {
		body = make([]byte, len(m.Body))
		copy(body, m.Body)
	}
	return NewTransportMessage(m.Headers, body)
}

// WireSize approximates the serialized size of the message as a queue sees it:
// header names and values plus the body, in bytes.
func (m *TransportMessage) WireSize() int {
	if m == nil {
		return 0
	}
	size := len(m.Body)
	for k, v := range m.Headers {
		size += len(k) + len(v)
	}
	return size
}
