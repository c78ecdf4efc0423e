package kafka

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
)

var (
	// errLowerOffsetRolledBack fails a commit while an earlier offset of the same
	// partition waits to be redelivered. Committing would skip it.
	errLowerOffsetRolledBack = errors.New("earlier offset on partition was rolled back")

	// errStaleFetch fails a commit for a message fetched before the reader was reopened.
	errStaleFetch = errors.New("message was fetched before the reader was reopened")
)

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker orders commits per partition. Kafka commits are cumulative, so an
// offset may only be committed once every lower fetched offset has been committed.
// A commit waits for lower offsets still in flight and fails if one was rolled back.
type offsetTracker struct {
	mu         sync.Mutex
	generation uint64
	pending    map[partitionKey]map[int64]bool // offset -> rolled back
	changed    chan struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		pending: make(map[partitionKey]map[int64]bool),
		changed: make(chan struct{}),
	}
}

func keyOf(km kafka.Message) partitionKey {
	return partitionKey{topic: km.Topic, partition: km.Partition}
}

// notify wakes every waiter. Callers hold mu.
func (o *offsetTracker) notify() {
	close(o.changed)
	o.changed = make(chan struct{})
}

// current returns the generation fetches are tracked under.
func (o *offsetTracker) current() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

// track records a fetched offset as in flight.
func (o *offsetTracker) track(generation uint64, km kafka.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if generation != o.generation {
		return
	}
	key := keyOf(km)
	if o.pending[key] == nil {
		o.pending[key] = make(map[int64]bool)
	}
	o.pending[key][km.Offset] = false
}

// await blocks until km is the lowest pending offset of its partition.
func (o *offsetTracker) await(ctx context.Context, generation uint64, km kafka.Message) error {
	for {
		o.mu.Lock()
		if generation != o.generation {
			o.mu.Unlock()
			return errStaleFetch
		}

		blocked := false
		for offset, rolledBack := range o.pending[keyOf(km)] {
			if offset >= km.Offset {
				continue
			}
			if rolledBack {
				o.mu.Unlock()
				return errLowerOffsetRolledBack
			}
			blocked = true
		}
		if !blocked {
			o.mu.Unlock()
			return nil
		}
		changed := o.changed
		o.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// committed removes km once its offset is committed.
func (o *offsetTracker) committed(generation uint64, km kafka.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if generation != o.generation {
		return
	}
	key := keyOf(km)
	delete(o.pending[key], km.Offset)
	if len(o.pending[key]) == 0 {
		delete(o.pending, key)
	}
	o.notify()
}

// rolledBack marks km as rolled back. It reports false for a stale fetch, which the
// reopened reader delivers again anyway.
func (o *offsetTracker) rolledBack(generation uint64, km kafka.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if generation != o.generation {
		return false
	}
	key := keyOf(km)
	if o.pending[key] == nil {
		o.pending[key] = make(map[int64]bool)
	}
	o.pending[key][km.Offset] = true
	o.notify()
	return true
}

// reset starts a new generation. Fetches tracked before it can no longer commit.
func (o *offsetTracker) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation++
	o.pending = make(map[partitionKey]map[int64]bool)
	o.notify()
}
