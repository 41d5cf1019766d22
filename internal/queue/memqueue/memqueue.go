// Package memqueue is an in-process queue.Broker for tests. It records every
// enqueue and cancellation so tests can assert on them, and lets tests inject
// broker failures.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/markwise/internal/queue"
)

// Enqueued is one recorded Enqueue call.
type Enqueued struct {
	Message queue.Message
	Delay   time.Duration
}

// Cancel is one recorded RequestCancel call.
type Cancel struct {
	TaskID string
	Hard   bool
}

type delayed struct {
	msg     queue.Message
	readyAt time.Time
}

// Broker implements queue.Broker in memory.
type Broker struct {
	mu       sync.Mutex
	ready    map[string][]queue.Message
	delayed  []delayed
	states   map[string]queue.TaskState
	revoked  map[string]queue.Revocation
	enqueued []Enqueued
	cancels  []Cancel
	offset   time.Duration
	closed   bool

	enqueueErr error
	statusErr  error
	cancelErr  error
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		ready:   map[string][]queue.Message{},
		states:  map[string]queue.TaskState{},
		revoked: map[string]queue.Revocation{},
	}
}

func (b *Broker) now() time.Time { return time.Now().Add(b.offset) }

// Advance moves the broker clock forward so delayed messages become ready.
func (b *Broker) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offset += d
}

// SetTaskStatus forces the state reported for taskID.
func (b *Broker) SetTaskStatus(taskID string, state queue.TaskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[taskID] = state
}

// FailEnqueue makes Enqueue return err until cleared with nil.
func (b *Broker) FailEnqueue(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueErr = err
}

// FailStatus makes TaskStatus return err until cleared with nil.
func (b *Broker) FailStatus(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusErr = err
}

// FailCancel makes RequestCancel return err until cleared with nil.
func (b *Broker) FailCancel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelErr = err
}

// Enqueued returns every successful Enqueue call in order.
func (b *Broker) Enqueued() []Enqueued {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Enqueued(nil), b.enqueued...)
}

// Cancels returns every RequestCancel call in order.
func (b *Broker) Cancels() []Cancel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Cancel(nil), b.cancels...)
}

// Pending returns how many messages are waiting, ready or delayed.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.delayed)
	for _, msgs := range b.ready {
		n += len(msgs)
	}
	return n
}

func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Broker) Enqueue(_ context.Context, msg queue.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	if b.enqueueErr != nil {
		return b.enqueueErr
	}

	b.enqueued = append(b.enqueued, Enqueued{Message: msg, Delay: delay})
	b.states[msg.TaskID] = queue.TaskPending
	if delay > 0 {
		b.delayed = append(b.delayed, delayed{msg: msg, readyAt: b.now().Add(delay)})
		return nil
	}
	b.ready[msg.Queue] = append(b.ready[msg.Queue], msg)
	return nil
}

func (b *Broker) TaskStatus(_ context.Context, taskID string) (queue.TaskState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return queue.TaskUnknown, b.statusErr
	}
	state, ok := b.states[taskID]
	if !ok {
		return queue.TaskUnknown, nil
	}
	return state, nil
}

func (b *Broker) RequestCancel(_ context.Context, taskID string, hard bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, Cancel{TaskID: taskID, Hard: hard})
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.revoked[taskID] = queue.Revocation{Revoked: true, Hard: hard}
	if state, ok := b.states[taskID]; ok && !state.Terminal() {
		b.states[taskID] = queue.TaskRevoked
	}
	return nil
}

func (b *Broker) Revoked(_ context.Context, taskID string) (queue.Revocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[taskID], nil
}

func (b *Broker) SetTaskState(_ context.Context, taskID string, state queue.TaskState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[taskID] = state
	return nil
}

// Receive polls until a message is ready on one of queues or wait elapses.
func (b *Broker) Receive(ctx context.Context, queues []string, wait time.Duration) (*queue.Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		if msg, ok := b.pop(queues); ok {
			return queue.NewDelivery(msg, nil), nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *Broker) pop(queues []string) (queue.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	kept := b.delayed[:0]
	for _, d := range b.delayed {
		if !d.readyAt.After(now) {
			b.ready[d.msg.Queue] = append(b.ready[d.msg.Queue], d.msg)
			continue
		}
		kept = append(kept, d)
	}
	b.delayed = kept

	for _, q := range queues {
		if msgs := b.ready[q]; len(msgs) > 0 {
			b.ready[q] = msgs[1:]
			return msgs[0], true
		}
	}
	return queue.Message{}, false
}

var _ queue.Broker = (*Broker)(nil)
