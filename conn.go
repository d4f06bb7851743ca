// Package tcpconn is a typed TCP connection state machine: a single
// mutable value that is always in exactly one of ten states and
// exposes only the operations valid in its current state (spec.md
// §1-§4). It owns no event loop; callers drive it from whatever
// reactor implements notifier.Notifier.
package tcpconn

import (
	"net"

	"github.com/pkg/errors"

	"github.com/connio/tcpconn/notifier"
	"github.com/connio/tcpconn/state"
)

// Connection is the umbrella value spec.md §4.1 describes: it wraps
// the current state.Value and dispatches every public operation
// against it via type assertions to state's marker interfaces, the
// idiomatic-Go stand-in for the original Rust enum's match arms.
type Connection struct {
	cur state.Value
}

// Connect begins an outbound connection to remote, returning
// immediately with a Connection in the Connecter state; Poll drives it
// forward.
func Connect(remote *net.TCPAddr, nf notifier.Notifier) (*Connection, error) {
	c, err := state.NewConnecter(remote, nf)
	if err != nil {
		return nil, errors.Wrap(err, "tcpconn: connect")
	}
	return &Connection{cur: c}, nil
}

// fromAccepted wraps a freshly accept()ed descriptor as a Connectee.
// Used by Listener.
func fromAccepted(fd int) *Connection {
	return &Connection{cur: state.NewConnectee(fd)}
}

// FD returns the descriptor currently owned by this connection, or -1
// if it owns none (Closed/Killed).
func (c *Connection) FD() int { return c.cur.FD() }

// State names the connection's current state, for diagnostics.
func (c *Connection) State() string { return c.cur.Name() }

// Poll re-invokes the current state's progress logic. It is a no-op on
// a terminal (Closed/Killed) connection; calling it there is not
// itself a contract violation (the original allows a reactor to poll
// an object it hasn't yet discovered is finished), but Valid should be
// checked before bothering.
func (c *Connection) Poll(nf notifier.Notifier) {
	if p, ok := c.cur.(state.Pollable); ok {
		c.cur = p.Poll(nf)
	}
}

// Connecting reports whether the connection is still in the Connecter
// state waiting for an outbound connect() to resolve.
func (c *Connection) Connecting() bool {
	_, ok := c.cur.(*state.Connecter)
	return ok
}

// Valid reports whether this Connection is usable at all, i.e. not yet
// Closed or Killed.
func (c *Connection) Valid() bool {
	switch c.cur.(type) {
	case *state.Closed, *state.Killed:
		return false
	default:
		return true
	}
}

// Closed reports whether the connection has reached the terminal
// Closed state (graceful close completed).
func (c *Connection) Closed() bool {
	_, ok := c.cur.(*state.Closed)
	return ok
}

// Killed reports whether the connection has reached the terminal
// Killed state.
func (c *Connection) Killed() bool {
	_, ok := c.cur.(*state.Killed)
	return ok
}

// Closable reports whether Close is currently a valid operation.
func (c *Connection) Closable() bool {
	_, ok := c.cur.(state.Closable)
	return ok
}

// Close initiates (or continues) a graceful close. Calling it on a
// connection that is not Closable is a contract violation (spec §3's
// no-silent-drop discipline): the original aborts rather than letting
// callers lose track of a live descriptor.
func (c *Connection) Close(nf notifier.Notifier) {
	cl, ok := c.cur.(state.Closable)
	if !ok {
		panic("tcpconn: Close called on a connection in state " + c.cur.Name() + " that cannot be closed")
	}
	c.cur = cl.Close(nf)
}

// Killable reports whether Kill is currently a valid operation (any
// state that still owns a descriptor).
func (c *Connection) Killable() bool {
	_, ok := c.cur.(state.Killable)
	return ok
}

// Kill tears the connection down immediately and unconditionally.
// Calling it on an already-terminal connection is a no-op rather than
// a panic: unlike Close (which must be driven to completion exactly
// once), Kill is the discard-everything escape hatch and is safe to
// call defensively from a defer.
func (c *Connection) Kill(nf notifier.Notifier) {
	k, ok := c.cur.(state.Killable)
	if !ok {
		return
	}
	c.cur = k.Kill(nf)
}

// Recvable reports whether RecvAvail/Recv are currently valid.
func (c *Connection) Recvable() bool {
	_, ok := c.cur.(state.Receivable)
	return ok
}

// RecvAvail returns the number of bytes presently buffered and ready
// to Recv. Calling it when Recvable is false is a contract violation.
func (c *Connection) RecvAvail() int {
	r, ok := c.cur.(state.Receivable)
	if !ok {
		panic("tcpconn: RecvAvail called on a connection in state " + c.cur.Name() + " that cannot receive")
	}
	return r.RecvRing().ReadAvailable()
}

// Recv removes and returns up to len(p) buffered bytes, the deferred
// single-copy accessor spec §6 names: the ring was already filled from
// the kernel during Poll, so Recv never itself blocks or syscalls.
func (c *Connection) Recv(p []byte) int {
	r, ok := c.cur.(state.Receivable)
	if !ok {
		panic("tcpconn: Recv called on a connection in state " + c.cur.Name() + " that cannot receive")
	}
	ring := r.RecvRing()
	n := 0
	for n < len(p) {
		b, ok := ring.ReadByte()
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	return n
}

// Sendable reports whether SendAvail/Send are currently valid.
func (c *Connection) Sendable() bool {
	_, ok := c.cur.(state.Sendable)
	return ok
}

// SendAvail returns the number of bytes presently free in the send
// ring.
func (c *Connection) SendAvail() int {
	s, ok := c.cur.(state.Sendable)
	if !ok {
		panic("tcpconn: SendAvail called on a connection in state " + c.cur.Name() + " that cannot send")
	}
	return s.SendRing().WriteAvailable()
}

// Send buffers up to len(p) bytes for later draining to the kernel
// during Poll, returning how many bytes were actually accepted.
func (c *Connection) Send(p []byte) int {
	s, ok := c.cur.(state.Sendable)
	if !ok {
		panic("tcpconn: Send called on a connection in state " + c.cur.Name() + " that cannot send")
	}
	ring := s.SendRing()
	n := 0
	for n < len(p) {
		if !ring.WriteByte(p[n]) {
			break
		}
		n++
	}
	return n
}
