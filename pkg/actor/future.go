package actor

import (
	"sync"

	"github.com/litecore-db/litecore/pkg/status"
)

// Future is a value fulfilled by a later event, typically a network reply.
// Continuations registered with OnReady are enqueued onto the requesting
// actor, preserving its single-threaded discipline.
type Future[T any] struct {
	mu        sync.Mutex
	completed bool
	value     T
	err       error
	waiters   []futureWaiter[T]
}

type futureWaiter[T any] struct {
	actor *Actor
	fn    func(T, error)
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{}
}

// Complete fulfills the future. Later completions are ignored, so a
// connection teardown can safely race a reply.
func (f *Future[T]) Complete(value T, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.value = value
	f.err = err
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	for _, w := range waiters {
		w.deliver(value, err)
	}
}

// Cancel completes the future with Disconnected.
func (f *Future[T]) Cancel() {
	var zero T
	f.Complete(zero, status.Disconnected("request cancelled"))
}

// OnReady schedules fn on the actor's mailbox once the future completes.
// If it already has, fn is enqueued immediately.
func (f *Future[T]) OnReady(a *Actor, fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.waiters = append(f.waiters, futureWaiter[T]{actor: a, fn: fn})
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	futureWaiter[T]{actor: a, fn: fn}.deliver(value, err)
}

func (w futureWaiter[T]) deliver(value T, err error) {
	// a closed receiving actor discards its continuations
	_ = w.actor.Enqueue(func() { w.fn(value, err) })
}
