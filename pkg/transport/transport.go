package transport

import (
	"context"
	"errors"
	"fmt"

	"go-overflow/pkg/models"
	"go-overflow/pkg/transaction"
)

// ErrMessageTooLarge is returned by Send when a message exceeds the transport's ceiling.
var ErrMessageTooLarge = errors.New("message exceeds transport size limit")

// Transport moves TransportMessages between queues. Sends and acknowledgements are bound
// to the transaction context: outgoing messages are enqueued when it commits, and a
// received message is acknowledged on commit and becomes visible again on abort.
type Transport interface {
	// Address is the input queue of this transport, or "" for a one-way client.
	Address() string
	Send(ctx context.Context, destination string, msg *models.TransportMessage, tx *transaction.Context) error
	// Receive returns the next message or nil when the queue is empty.
	Receive(ctx context.Context, tx *transaction.Context) (*models.TransportMessage, error)
}

// SizeLimiter is implemented by transports with a hard payload ceiling.
type SizeLimiter interface {
	MaxMessageBytes() int
}

// MaxMessageBytes returns t's ceiling, or 0 if t does not declare one.
func MaxMessageBytes(t Transport) int {
	if limiter, ok := t.(SizeLimiter); ok {
		return limiter.MaxMessageBytes()
	}
	return 0
}

// CheckSize returns an error wrapping ErrMessageTooLarge if msg does not fit in limit bytes.
// A limit of 0 disables the check.
func CheckSize(msg *models.TransportMessage, limit int) error {
	if limit <= 0 {
		return nil
	}
	if size := msg.WireSize(); size > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, size, limit)
	}
	return nil
}
