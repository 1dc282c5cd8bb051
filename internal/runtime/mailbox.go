package runtime

import (
	"sync"
)

// Mailbox is a per-subscriber FIFO drained by its own goroutine, so a slow
// reader never blocks the producer. A Mailbox starts held: pushed values are
// queued but not delivered until Release is called. This lets a publisher
// register the mailbox, prepend a snapshot, and then go live without a gap.
type Mailbox[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	held    bool
	closed  bool
	limit   int
	dropped int
	// pinned counts prepended values at the head of queue. They are never
	// evicted and do not count against limit.
	pinned int

	out  chan T
	done chan struct{}
}

// NewMailbox creates a held mailbox. A positive limit caps the number of
// pushed values waiting in the queue; when full, the oldest pushed value is
// dropped. Prepended values are never dropped.
func NewMailbox[T any](limit int) *Mailbox[T] {
	m := &Mailbox[T]{
		held:  true,
		limit: limit,
		out:   make(chan T),
		done:  make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// C is closed after Close.
func (m *Mailbox[T]) C() <-chan T { return m.out }

// Push appends v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.limit > 0 && len(m.queue)-m.pinned >= m.limit {
		m.queue = append(m.queue[:m.pinned], m.queue[m.pinned+1:]...)
		m.dropped++
	}
	m.queue = append(m.queue, v)
	m.cond.Signal()
	return true
}

// Prepend places vs ahead of everything already queued, preserving their order.
// Prepended values are delivered even when later pushes overflow the limit.
func (m *Mailbox[T]) Prepend(vs ...T) {
	if len(vs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	q := make([]T, 0, len(vs)+len(m.queue))
	q = append(q, vs...)
	m.queue = append(q, m.queue...)
	m.pinned += len(vs)
	m.cond.Signal()
}

func (m *Mailbox[T]) Hold() {
	m.mu.Lock()
	m.held = true
	m.mu.Unlock()
}

func (m *Mailbox[T]) Release() {
	m.mu.Lock()
	m.held = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Len returns the number of values waiting for delivery.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Dropped returns how many values were discarded because the limit was hit.
func (m *Mailbox[T]) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close discards anything still queued, stops the dispatcher and closes C.
// Safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.pinned = 0
	close(m.done)
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Mailbox[T]) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for !m.closed && (m.held || len(m.queue) == 0) {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		if m.pinned > 0 {
			m.pinned--
		}
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}
