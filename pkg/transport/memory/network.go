// Package memory provides an in-process queue transport with transactional
// send/receive semantics and an optional hard size ceiling.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-overflow/pkg/models"
	"go-overflow/pkg/transaction"
	"go-overflow/pkg/transport"
)

var ErrQueueNotFound = errors.New("queue not found")

// Network holds the queues shared by every Transport created from it.
type Network struct {
	mu     sync.RWMutex
	queues map[string][]*models.TransportMessage
}

func NewNetwork() *Network {
	return &Network{
		queues: make(map[string][]*models.TransportMessage),
	}
}

// CreateQueue creates address if it does not exist yet.
func (n *Network) CreateQueue(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.queues[address]; !ok {
		n.queues[address] = make([]*models.TransportMessage, 0)
	}
}

// Count returns the number of visible messages in address.
func (n *Network) Count(address string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.queues[address])
}

// Messages returns copies of the visible messages in address.
func (n *Network) Messages(address string) []*models.TransportMessage {
	n.mu.RLock()
	defer n.mu.RUnlock()

	messages := make([]*models.TransportMessage, 0, len(n.queues[address]))
	for _, msg := range n.queues[address] {
		messages = append(messages, msg.Clone())
	}
	return messages
}

func (n *Network) deliver(address string, msg *models.TransportMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	queue, ok := n.queues[address]
	if !ok {
		return fmt.Errorf("deliver to %q: %w", address, ErrQueueNotFound)
	}
	n.queues[address] = append(queue, msg)
	return nil
}

func (n *Network) take(address string) *models.TransportMessage {
	n.mu.Lock()
	defer n.mu.Unlock()

	queue := n.queues[address]
	if len(queue) == 0 {
		return nil
	}
	msg := queue[0]
	n.queues[address] = queue[1:]
	return msg
}

// putBack makes msg visible again at the head of the queue.
func (n *Network) putBack(address string, msg *models.TransportMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queues[address] = append([]*models.TransportMessage{msg}, n.queues[address]...)
}

// Transport is a transport.Transport over a Network.
type Transport struct {
	network         *Network
	address         string
	maxMessageBytes int
}

// NewTransport creates a transport reading from address (empty for a one-way client).
// maxMessageBytes of 0 means unlimited.
func NewTransport(network *Network, address string, maxMessageBytes int) *Transport {
	if address != "" {
		network.CreateQueue(address)
	}
	return &Transport{
		network:         network,
		address:         address,
		maxMessageBytes: maxMessageBytes,
	}
}

func (t *Transport) Address() string {
	return t.address
}

func (t *Transport) MaxMessageBytes() int {
	return t.maxMessageBytes
}

// Send validates msg now and enqueues a copy when tx commits.
func (t *Transport) Send(ctx context.Context, destination string, msg *models.TransportMessage, tx *transaction.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := transport.CheckSize(msg, t.maxMessageBytes); err != nil {
		return fmt.Errorf("send to %q: %w", destination, err)
	}

	outgoing := msg.Clone()
	tx.OnCommit(func(ctx context.Context) error {
		return t.network.deliver(destination, outgoing)
	})
	return nil
}

// Receive takes the head of the input queue. The message is gone once tx commits and
// visible again if tx aborts.
func (t *Transport) Receive(ctx context.Context, tx *transaction.Context) (*models.TransportMessage, error) {
	if t.address == "" {
		return nil, errors.New("one-way client cannot receive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := t.network.take(t.address)
	if msg == nil {
		return nil, nil
	}

	tx.OnAborted(func(ctx context.Context) {
		t.network.putBack(t.address, msg)
	})
	return msg.Clone(), nil
}

var (
	_ transport.Transport   = (*Transport)(nil)
	_ transport.SizeLimiter = (*Transport)(nil)
)
