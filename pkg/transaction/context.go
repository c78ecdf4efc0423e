package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State of a transaction context
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	ErrNotActive = errors.New("transaction context is not active")
	ErrDisposed  = errors.New("transaction context is disposed")
)

// Context is a unit of work. Transports and decorators attach work to it:
//
//   - OnCommit actions run inside Complete, in registration order; the first
//     failure aborts the transaction and is returned.
//   - OnCompleted actions run after every commit action succeeded. They cannot
//     fail the transaction.
//   - OnAborted actions run when the transaction is rolled back, including when it
//     is disposed without being completed.
//   - OnDisposed actions run last, in reverse registration order, and release
//     resources acquired through GetOrAdd.
type Context struct {
	mu          sync.Mutex
	state       State
	items       map[string]any
	onCommit    []func(ctx context.Context) error
	onCompleted []func(ctx context.Context)
	onAborted   []func(ctx context.Context)
	onDisposed  []func()
	completed   bool
	committing  bool
}

func New() *Context {
	return &Context{
		items: make(map[string]any),
	}
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetOrAdd returns the item stored under key, creating it with create on first use.
// Items live until the context is disposed. create runs under the context lock and
// must not call back into c.
func (c *Context) GetOrAdd(key string, create func() (any, error)) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return nil, ErrDisposed
	}
	if item, ok := c.items[key]; ok {
		return item, nil
	}

	item, err := create()
	if err != nil {
		return nil, err
	}
	c.items[key] = item
	return item, nil
}

// OnCommit registers an action that must succeed for the transaction to commit.
func (c *Context) OnCommit(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommit = append(c.onCommit, fn)
}

// OnCompleted registers an action to run after a successful commit.
func (c *Context) OnCompleted(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCompleted = append(c.onCompleted, fn)
}

// OnAborted registers an action to run on rollback.
func (c *Context) OnAborted(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAborted = append(c.onAborted, fn)
}

// OnDisposed registers a release action.
func (c *Context) OnDisposed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisposed = append(c.onDisposed, fn)
}

// Complete commits the transaction. Actions registered while commit actions run
// are picked up in the same pass.
func (c *Context) Complete(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("complete in state %s: %w", state, ErrNotActive)
	}
	c.committing = true
	c.mu.Unlock()

	for i := 0; ; i++ {
		c.mu.Lock()
		if i >= len(c.onCommit) {
			c.state = StateCommitted
			c.completed = true
			completed := c.onCompleted
			c.onCompleted = nil
			c.mu.Unlock()

			for _, fn := range completed {
				fn(ctx)
			}
			return nil
		}
		fn := c.onCommit[i]
		c.mu.Unlock()

		if err := fn(ctx); err != nil {
			c.Abort(ctx)
			return fmt.Errorf("commit transaction: %w", err)
		}
	}
}

// Abort rolls the transaction back. Aborting an already finished transaction is a no-op.
func (c *Context) Abort(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateAborted
	aborted := c.onAborted
	c.onAborted = nil
	c.mu.Unlock()

	for _, fn := range aborted {
		fn(ctx)
	}
}

// Dispose aborts an uncompleted transaction and then releases resources.
// Calling it more than once is safe.
func (c *Context) Dispose() {
	c.Abort(context.Background())

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisposed
	disposers := c.onDisposed
	c.onDisposed = nil
	c.items = make(map[string]any)
	c.mu.Unlock()

	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
}

// CommitStarted reports whether Complete began running commit actions. An abort
// after that point may follow work some commit actions already made durable.
func (c *Context) CommitStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committing
}

// Committed reports whether Complete succeeded.
func (c *Context) Committed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Run executes fn in a new transaction. The transaction commits when fn returns nil and
// is rolled back otherwise; it is disposed on every path.
func Run(ctx context.Context, fn func(tx *Context) error) error {
	tx := New()
	defer tx.Dispose()

	if err := fn(tx); err != nil {
		tx.Abort(ctx)
		return err
	}
	return tx.Complete(ctx)
}
