// Package actor provides the serialized-mailbox runtime the replicator is
// built on. Each Actor owns a goroutine that drains its mailbox one message
// at a time, so handler code never observes concurrent mutation of the
// actor's state. Cross-actor communication is Enqueue of a closure; replies
// and timer firings are just more enqueues.
package actor

import (
	"sync"
	"time"

	"github.com/litecore-db/litecore/pkg/status"
)

// Actor is a single-threaded mailbox executor. Create with New; the zero
// value is not usable.
type Actor struct {
	name string

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	done chan struct{}
}

// New starts an actor's mailbox goroutine.
func New(name string) *Actor {
	a := &Actor{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) Name() string { return a.name }

// Enqueue appends fn to the mailbox. Messages from one sender run in send
// order. Fails with Disconnected once the actor is closed.
func (a *Actor) Enqueue(fn func()) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return status.Disconnected("actor %s is closed", a.name)
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// EnqueueAfter delivers fn to the mailbox after the delay. The returned
// stop function cancels delivery if it has not happened yet.
func (a *Actor) EnqueueAfter(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		// The actor may close between the timer firing and the enqueue;
		// a Disconnected result just drops the tick.
		_ = a.Enqueue(fn)
	})
	return t.Stop
}

// Close drains and discards pending messages. In-flight enqueues after
// Close report Disconnected. Blocks until the mailbox goroutine exits.
func (a *Actor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.queue = nil
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		closed := a.closed
		a.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-a.wake
			continue
		}
		for _, fn := range batch {
			fn()
		}
		if closed {
			return
		}
	}
}
