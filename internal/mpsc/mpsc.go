// Package mpsc implements an unbounded lock-free FIFO queue for many
// producers and a single consumer.
//
// Push may be called by any goroutine at any time. Empty, Front, Pop and Clear
// are consumer operations: only one goroutine may call them at a time.
package mpsc

import (
	"runtime"

	"github.com/stealthrocket/threadlocal/atomics"
)

type node[T any] struct {
	next  atomics.Pointer[node[T]]
	value T
}

// Queue is a multi-producer single-consumer queue. The zero value is an empty
// queue ready to use.
type Queue[T any] struct {
	head atomics.Pointer[node[T]]
	tail atomics.Pointer[node[T]]
}

// Push appends v to the back of the queue.
func (q *Queue[T]) Push(v T) {
	n := &node[T]{value: v}
	prev := q.tail.Exchange(n, atomics.AcqRel)
	// Between the exchange and this store the consumer may see a head whose
	// next link is not set yet; Pop waits for it.
	if prev != nil {
		prev.next.Store(n, atomics.Release)
	} else {
		q.head.Store(n, atomics.Release)
	}
}

// Empty reports whether the queue has no element at its front.
func (q *Queue[T]) Empty() bool {
	return q.head.Load(atomics.Acquire) == nil
}

// Front returns the element at the front of the queue without removing it.
func (q *Queue[T]) Front() (v T, ok bool) {
	head := q.head.Load(atomics.Acquire)
	if head == nil {
		return v, false
	}
	return head.value, true
}

// Pop removes and returns the element at the front of the queue.
func (q *Queue[T]) Pop() (v T, ok bool) {
	popped := q.head.Load(atomics.Acquire)
	if popped == nil {
		return v, false
	}

	compare := popped
	if q.tail.CompareExchange(&compare, nil, atomics.AcqRel, atomics.Acquire) {
		// The queue had a single element. A producer may have pushed right
		// after the tail was cleared and already published a new head, in
		// which case the head must be left alone.
		compare = popped
		q.head.CompareExchange(&compare, nil, atomics.AcqRel, atomics.Acquire)
	} else {
		next := popped.next.Load(atomics.Acquire)
		for next == nil {
			runtime.Gosched()
			next = popped.next.Load(atomics.Acquire)
		}
		q.head.Store(next, atomics.Release)
	}

	return popped.value, true
}

// Clear removes every element of the queue and returns how many were removed.
func (q *Queue[T]) Clear() (n int) {
	for {
		if _, ok := q.Pop(); !ok {
			return n
		}
		n++
	}
}
