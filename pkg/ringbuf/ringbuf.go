// Package ringbuf provides a fixed-capacity single-producer single-consumer
// byte queue.
//
// The libvirt console bridge moves bytes between a blocking local I/O thread
// and an event-loop callback. The two sides must never rendezvous on a lock,
// because the event loop cannot afford to block behind a stalled stdio write.
// This buffer gives them a FIFO with purely atomic coordination: occupancy
// checks double as the backpressure signal (a full buffer makes the producer
// retry, an empty one makes the consumer retry or conclude EOF).
package ringbuf

import "sync/atomic"

// Buffer is a SPSC byte ring. Exactly one goroutine may call Write and
// exactly one may call Read; Len, Free and Cap are safe from either side.
// Head and tail are monotonically increasing byte counters, reduced modulo
// the capacity only when indexing, so no capacity slot is wasted and the
// capacity does not need to be a power of two.
type Buffer struct {
	buf  []byte
	head atomic.Uint64 // total bytes consumed
	tail atomic.Uint64 // total bytes produced
}

// New creates a buffer holding up to capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Len returns the number of bytes currently queued.
func (b *Buffer) Len() int {
	return int(b.tail.Load() - b.head.Load())
}

// Free returns the remaining space.
func (b *Buffer) Free() int {
	return b.Cap() - b.Len()
}

// Write copies as much of p as fits and returns the number of bytes taken.
// It never blocks; a zero return with a non-empty p means the buffer is full
// and the producer should retry after the consumer has drained.
func (b *Buffer) Write(p []byte) int {
	head := b.head.Load()
	tail := b.tail.Load()

	free := len(b.buf) - int(tail-head)
	n := len(p)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	start := int(tail % uint64(len(b.buf)))
	first := copy(b.buf[start:], p[:n])
	if first < n {
		copy(b.buf, p[first:n])
	}

	b.tail.Store(tail + uint64(n))
	return n
}

// Peek copies up to len(p) queued bytes into p without consuming them.
// Consumer side only. Use with Discard when the downstream sink may accept
// fewer bytes than were peeked: nothing is lost if the write comes up short.
func (b *Buffer) Peek(p []byte) int {
	head := b.head.Load()
	tail := b.tail.Load()

	used := int(tail - head)
	n := len(p)
	if n > used {
		n = used
	}
	if n == 0 {
		return 0
	}

	start := int(head % uint64(len(b.buf)))
	first := copy(p[:n], b.buf[start:])
	if first < n {
		copy(p[first:n], b.buf)
	}
	return n
}

// Discard drops up to n queued bytes and returns the number dropped.
// Consumer side only.
func (b *Buffer) Discard(n int) int {
	head := b.head.Load()
	used := int(b.tail.Load() - head)
	if n > used {
		n = used
	}
	if n > 0 {
		b.head.Store(head + uint64(n))
	}
	return n
}

// Read copies up to len(p) queued bytes into p and returns the count. It
// never blocks; zero means the buffer is currently empty.
func (b *Buffer) Read(p []byte) int {
	head := b.head.Load()
	tail := b.tail.Load()

	used := int(tail - head)
	n := len(p)
	if n > used {
		n = used
	}
	if n == 0 {
		return 0
	}

	start := int(head % uint64(len(b.buf)))
	first := copy(p[:n], b.buf[start:])
	if first < n {
		copy(p[first:n], b.buf)
	}

	b.head.Store(head + uint64(n))
	return n
}
