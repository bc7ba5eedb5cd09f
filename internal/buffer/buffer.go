// Package buffer provides the mutex-guarded handoff structures shared between
// pipeline workers and the host. Every structure keeps its critical sections
// short and exposes a coalescing notify channel so consumers can block instead
// of spinning.
package buffer

import (
	"context"
	"strings"
	"sync"
	"time"
)

// signal is a coalescing, non-blocking wake-up channel.
type signal chan struct{}

func newSignal() signal { return make(signal, 1) }

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// Queue is an unbounded FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	ready signal
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: newSignal()}
}

// Push appends items in order.
func (q *Queue[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.ready.notify()
}

// Pop removes and returns the head item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.lenLocked() == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compactLocked()
	return item, true
}

// PopN removes and returns up to max items from the head.
func (q *Queue[T]) PopN(max int) []T {
	out, _ := q.PopSized(func(int) int { return max })
	return out
}

// PopSized reads the backlog and removes size(backlog) items in one critical
// section. The count is clamped to the backlog. The backlog observed before
// the pop is returned alongside the items.
func (q *Queue[T]) PopSized(size func(backlog int) int) ([]T, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	backlog := q.lenLocked()
	n := size(backlog)
	if n > backlog {
		n = backlog
	}
	if n <= 0 {
		return nil, backlog
	}
	out := make([]T, n)
	copy(out, q.items[q.head:q.head+n])
	var zero T
	for i := q.head; i < q.head+n; i++ {
		q.items[i] = zero
	}
	q.head += n
	q.compactLocked()
	return out, backlog
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Clear drops every queued item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.head = 0
	q.mu.Unlock()
}

// Ready fires after a Push. It may fire spuriously; consumers re-check.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

func (q *Queue[T]) lenLocked() int { return len(q.items) - q.head }

func (q *Queue[T]) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// Slot holds at most one value.
type Slot[T comparable] struct {
	mu    sync.Mutex
	value T
	set   bool
	ready signal
}

// NewSlot returns an empty slot.
func NewSlot[T comparable]() *Slot[T] {
	return &Slot[T]{ready: newSignal()}
}

// Set overwrites the held value.
func (s *Slot[T]) Set(v T) {
	s.mu.Lock()
	s.value = v
	s.set = true
	s.mu.Unlock()
	s.ready.notify()
}

// Swap overwrites the held value and reports whether it changed.
func (s *Slot[T]) Swap(v T) bool {
	s.mu.Lock()
	changed := !s.set || s.value != v
	s.value = v
	s.set = true
	s.mu.Unlock()
	if changed {
		s.ready.notify()
	}
	return changed
}

// Take returns the held value and empties the slot.
func (s *Slot[T]) Take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if !s.set {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.set = false
	return v, true
}

// Peek returns the held value without consuming it.
func (s *Slot[T]) Peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}

// Clear empties the slot.
func (s *Slot[T]) Clear() {
	s.mu.Lock()
	var zero T
	s.value = zero
	s.set = false
	s.mu.Unlock()
}

// Ready fires after a Set.
func (s *Slot[T]) Ready() <-chan struct{} { return s.ready }

// Text is an append-only string buffer drained by its reader.
type Text struct {
	mu  sync.Mutex
	buf strings.Builder
}

// NewText returns an empty text buffer.
func NewText() *Text { return &Text{} }

// Append adds s to the end of the buffer.
func (t *Text) Append(s string) {
	t.mu.Lock()
	t.buf.WriteString(s)
	t.mu.Unlock()
}

// Drain returns the buffered text and empties the buffer.
func (t *Text) Drain() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.buf.String()
	t.buf.Reset()
	return out
}

// Clear empties the buffer.
func (t *Text) Clear() {
	t.mu.Lock()
	t.buf.Reset()
	t.mu.Unlock()
}

// Len reports the buffered byte count.
func (t *Text) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}

// Wait blocks until ready fires, idle elapses, or ctx is done. It reports
// false only when ctx is done.
func Wait(ctx context.Context, ready <-chan struct{}, idle time.Duration) bool {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-ready:
		return true
	case <-timer.C:
		return true
	}
}
