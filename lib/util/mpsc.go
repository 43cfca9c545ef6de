// Package util provides the small concurrency and hashing building blocks the
// nKV core is assembled from.
//
// This file implements an unbounded multi-producer single-consumer queue. Any
// number of goroutines can Push without blocking (submitters, transport reader
// goroutines); a single consumer drains the queue through the Recv channel.
//
// Features and Guarantees:
//
//   - Producers never block: the queue grows as needed, limited only by memory
//   - Lock-free appends: producers link nodes with atomic compare-and-swap
//   - Single consumer: exactly one goroutine forwards items to the Recv channel
//   - Per-producer order: items of one producer arrive in push order; order
//     across producers is the order in which their appends completed
//   - Close drains: items pushed before Close are still delivered, then the
//     Recv channel is closed
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is a single element in the queue
type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSC is an unbounded lock-free multi-producer single-consumer queue.
type MPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan T
	closed atomic.Bool
	length atomic.Int64

	// wakeup for the forwarding goroutine
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates a new queue and starts its forwarding goroutine.
func NewMPSC[T any]() *MPSC[T] {
	// sentinel node, head always points at the last consumed node
	sentinel := &mpscNode[T]{}

	q := &MPSC[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()

	return q
}

// Push appends value to the queue.
// Returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var spins uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// a failed CAS means another producer already moved the tail on
				q.tail.CompareAndSwap(tail, n)
				q.length.Add(1)

				// signal under the mutex, the consumer checks for items while holding it
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that linked its node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little at low contention, then yield
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// forward moves items from the linked list to the out channel
func (q *MPSC[T]) forward() {
	defer close(q.out)

	var zero T
	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			value := next.value
			q.head.Store(next)
			q.out <- value
			q.length.Add(-1)

			// drop the reference so the value can be collected
			next.value = zero
			continue
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil {
			if q.closed.Load() {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the receive-only channel the consumer reads from.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting new items. Queued items are still delivered before the
// Recv channel is closed.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued items that were not handed to the consumer yet.
func (q *MPSC[T]) Len() int {
	return int(q.length.Load())
}
