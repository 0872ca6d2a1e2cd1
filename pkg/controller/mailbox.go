package controller

import "sync"

// mailbox is an unbounded multi-producer, single-consumer queue. Notify
// fires whenever the queue is non-empty, so it can sit in a select next to
// other channels.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

func (m *mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Push enqueues v. Safe to call from any goroutine.
func (m *mailbox[T]) Push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
}

// Notify returns the channel that is ready while items are queued.
func (m *mailbox[T]) Notify() <-chan struct{} { return m.notify }

// Pop dequeues the oldest item.
func (m *mailbox[T]) Pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	v := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	if len(m.items) > 0 {
		m.signal()
	}
	return v, true
}

// Len returns the number of queued items.
func (m *mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
