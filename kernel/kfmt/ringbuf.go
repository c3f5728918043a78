package kfmt

import "io"

// ringBufferSize is the capacity of the buffer holding Printf output
// produced before an output sink is attached.
const ringBufferSize = 2048

// RingBuffer is a fixed size byte FIFO. Writing to a full buffer drops the
// oldest bytes, so the buffer always holds the most recent size-1 bytes.
// RingBuffer does no locking of its own.
type RingBuffer struct {
	buffer         []byte
	mask           int
	rIndex, wIndex int
}

// NewRingBuffer returns an empty buffer of size bytes. size must be a power
// of 2.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 || size&(size-1) != 0 {
		panic("kfmt: ring buffer size must be a power of 2")
	}
	return &RingBuffer{buffer: make([]byte, size), mask: size - 1}
}

// Len returns the number of unread bytes.
func (rb *RingBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & rb.mask
}

// Full reports whether the next write would drop a byte.
func (rb *RingBuffer) Full() bool {
	return rb.Len() == rb.mask
}

// Reset discards any unread bytes.
func (rb *RingBuffer) Reset() {
	rb.rIndex, rb.wIndex = 0, 0
}

// WriteByte appends b, overwriting the oldest byte if the buffer is full.
func (rb *RingBuffer) WriteByte(b byte) error {
	rb.buffer[rb.wIndex] = b
	rb.wIndex = (rb.wIndex + 1) & rb.mask
	if rb.rIndex == rb.wIndex {
		rb.rIndex = (rb.rIndex + 1) & rb.mask
	}
	return nil
}

// Write appends p to the buffer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.WriteByte(b)
	}
	return len(p), nil
}

// ReadByte removes and returns the oldest byte or io.EOF if the buffer is
// empty.
func (rb *RingBuffer) ReadByte() (byte, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}
	b := rb.buffer[rb.rIndex]
	rb.rIndex = (rb.rIndex + 1) & rb.mask
	return b, nil
}

// Read reads up to len(p) bytes into p. A single call never wraps around the
// end of the backing array, so draining the buffer may take two calls.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = len(rb.buffer)
	}
	n := copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & rb.mask
	return n, nil
}
