// Package ring implements the fixed-capacity byte ring buffer that the
// connection state machine assumes as an external collaborator (see
// DESIGN.md's [RING] entry). It supports both ordinary byte-at-a-time
// Read/Write, used by the umbrella Connection's deferred recv/send
// capabilities, and direct-to-FD fill/drain, used by each state's poll
// step to move bytes between the ring and the kernel without an
// intermediate []byte copy.
package ring

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultCapacity is the module-wide ring size named in spec §6.
const DefaultCapacity = 64 * 1024

// Buffer is a fixed-capacity circular byte FIFO. A zero Buffer is not
// usable; construct with New. Buffer is not safe for concurrent use -
// callers are expected to drive it from a single poll loop, matching
// the state machine's single-threaded cooperative model.
type Buffer struct {
	buf   []byte
	start int // index of the oldest unread byte
	len   int // number of valid bytes currently stored
}

// New constructs a Buffer with the given fixed capacity. Capacity
// defaults to DefaultCapacity (64KiB) when cap is <= 0, matching spec
// §9's guidance that implementers wanting higher throughput should make
// the size configurable rather than silently change the default.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// ReadAvailable is the number of bytes presently available to Read.
func (b *Buffer) ReadAvailable() int { return b.len }

// WriteAvailable is the number of bytes presently available to Write.
func (b *Buffer) WriteAvailable() int { return len(b.buf) - b.len }

// ReadByte removes and returns one byte. ok is false if the buffer is empty.
func (b *Buffer) ReadByte() (byte, bool) {
	if b.len == 0 {
		return 0, false
	}
	c := b.buf[b.start]
	b.start = (b.start + 1) % len(b.buf)
	b.len--
	return c, true
}

// WriteByte appends one byte. ok is false if the buffer is full.
func (b *Buffer) WriteByte(c byte) bool {
	if b.len == len(b.buf) {
		return false
	}
	b.buf[(b.start+b.len)%len(b.buf)] = c
	b.len++
	return true
}

// FillFrom reads as much as possible directly from fd into the unused
// tail of the ring, stopping on EAGAIN, end-of-stream, or a full buffer.
// eof reports whether fd signalled end-of-stream (a zero-length read).
func (b *Buffer) FillFrom(fd int) (n int, eof bool, err error) {
	for b.WriteAvailable() > 0 {
		start := (b.start + b.len) % len(b.buf)
		end := start + b.WriteAvailable()
		var chunk []byte
		if end <= len(b.buf) {
			chunk = b.buf[start:end]
		} else {
			chunk = b.buf[start:]
		}
		m, rerr := unix.Read(fd, chunk)
		if m > 0 {
			b.len += m
			n += m
		}
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return n, false, nil
			}
			if rerr == unix.EINTR {
				continue
			}
			return n, false, errors.Wrap(rerr, "ring: read")
		}
		if m == 0 {
			return n, true, nil
		}
	}
	return n, false, nil
}

// DrainTo writes as much as possible directly from the ring's occupied
// head to fd, stopping on EAGAIN, a short write, or an empty buffer.
func (b *Buffer) DrainTo(fd int) (n int, err error) {
	for b.len > 0 {
		end := b.start + b.len
		var chunk []byte
		if end <= len(b.buf) {
			chunk = b.buf[b.start:end]
		} else {
			chunk = b.buf[b.start:]
		}
		m, werr := unix.Write(fd, chunk)
		if m > 0 {
			b.start = (b.start + m) % len(b.buf)
			b.len -= m
			n += m
		}
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				return n, nil
			}
			if werr == unix.EINTR {
				continue
			}
			return n, errors.Wrap(werr, "ring: write")
		}
		if m < len(chunk) {
			return n, nil
		}
	}
	return n, nil
}
