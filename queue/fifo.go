package queue

import "sync"

// Fifo implements a first-in first-out (FIFO) queue.
//
// Fifo is not safe for concurrent use. See ThreadsafeFifo for a
// synchronized variant.
type Fifo[T any] struct {
	elements []T
}

// NewFifo creates a new Fifo with the specified initial capacity and
// returns a pointer to it.
func NewFifo[T any](initialCapacity int) *Fifo[T] {
	if initialCapacity < 0 {
		initialCapacity = 1
	}

	return &Fifo[T]{
		elements: make([]T, 0, initialCapacity),
	}
}

// Enqueue adds the specified element to the back of the queue.
func (q *Fifo[T]) Enqueue(elem T) {
	q.elements = append(q.elements, elem)
}

// Dequeue removes and returns the next element in the queue.
//
// If the queue is empty, then Dequeue returns the zero value of T and false.
func (q *Fifo[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.elements) == 0 {
		return zero, false
	}

	elem := q.elements[0]
	q.elements[0] = zero
	q.elements = q.elements[1:]

	return elem, true
}

// Peek returns but does not remove the next element in the queue.
//
// If the queue is empty, then Peek returns the zero value of T and false.
func (q *Fifo[T]) Peek() (T, bool) {
	var zero T
	if len(q.elements) == 0 {
		return zero, false
	}

	return q.elements[0], true
}

// Len returns the number of elements in the queue.
func (q *Fifo[T]) Len() int {
	return len(q.elements)
}

// Filter removes every element for which keep returns false, preserving the
// order of the elements that remain. The removed elements are returned in
// FIFO order.
func (q *Fifo[T]) Filter(keep func(T) bool) []T {
	var removed []T

	kept := q.elements[:0]
	for _, elem := range q.elements {
		if keep(elem) {
			kept = append(kept, elem)
		} else {
			removed = append(removed, elem)
		}
	}

	var zero T
	for i := len(kept); i < len(q.elements); i++ {
		q.elements[i] = zero
	}

	q.elements = kept

	return removed
}

// ThreadsafeFifo is a Fifo that is safe for concurrent use.
type ThreadsafeFifo[T any] struct {
	fifo *Fifo[T]
	mu   sync.Mutex
}

// NewThreadsafeFifo creates a new ThreadsafeFifo with the specified initial
// capacity and returns a pointer to it.
func NewThreadsafeFifo[T any](initialCapacity int) *ThreadsafeFifo[T] {
	return &ThreadsafeFifo[T]{
		fifo: NewFifo[T](initialCapacity),
	}
}

// Enqueue adds the specified element to the back of the queue.
func (q *ThreadsafeFifo[T]) Enqueue(elem T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.fifo.Enqueue(elem)
}

// Dequeue removes and returns the next element in the queue.
//
// If the queue is empty, then Dequeue returns the zero value of T and false.
func (q *ThreadsafeFifo[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fifo.Dequeue()
}

// Peek returns but does not remove the next element in the queue.
//
// If the queue is empty, then Peek returns the zero value of T and false.
func (q *ThreadsafeFifo[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fifo.Peek()
}

// Len returns the number of elements in the queue.
func (q *ThreadsafeFifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fifo.Len()
}

// Filter removes every element for which keep returns false, preserving the
// order of the elements that remain. The removed elements are returned in
// FIFO order. The entire pass happens under the queue's lock, so concurrent
// readers never observe a kept element as missing.
func (q *ThreadsafeFifo[T]) Filter(keep func(T) bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fifo.Filter(keep)
}

// DequeueAll removes and returns all elements currently in the queue,
// in FIFO order.
func (q *ThreadsafeFifo[T]) DequeueAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	elems := make([]T, 0, q.fifo.Len())
	for {
		elem, ok := q.fifo.Dequeue()
		if !ok {
			break
		}

		elems = append(elems, elem)
	}

	return elems
}
