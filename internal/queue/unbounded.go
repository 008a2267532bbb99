// Package queue provides an unbounded FIFO that decouples producers which
// must never block (network read loops, pion callbacks, timers) from a single
// consumer.
package queue

import "sync"

type Unbounded[T any] struct {
	out chan T

	mu        sync.Mutex
	items     []T
	finishing bool
	notify    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewUnbounded[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. It never blocks and reports false once the queue is closed.
func (q *Unbounded[T]) Push(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	q.mu.Lock()
	if q.finishing {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out yields items in push order. It is closed after Close; items still
// queued at that point are discarded.
func (q *Unbounded[T]) Out() <-chan T { return q.out }

func (q *Unbounded[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Finish stops accepting items and closes Out once everything already queued
// has been received. Close still discards whatever remains.
func (q *Unbounded[T]) Finish() {
	q.mu.Lock()
	q.finishing = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len is the number of items not yet handed to the consumer.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Unbounded[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		var next T
		ok := len(q.items) > 0
		if !ok && q.finishing {
			q.mu.Unlock()
			return
		}
		if ok {
			next = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
		}
		q.mu.Unlock()

		if ok {
			select {
			case q.out <- next:
			case <-q.done:
				return
			}
			continue
		}

		select {
		case <-q.notify:
		case <-q.done:
			return
		}
	}
}
