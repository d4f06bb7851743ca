package state

import (
	"runtime"

	"github.com/connio/tcpconn/ring"
)

// Connected is the steady-state, full-duplex state: fd is registered
// with the notifier for edge-triggered readability/writability, and
// each Poll drains the kernel receive buffer into recv and fills the
// kernel send buffer from send. Grounded on
// connection_states.rs's Connected::poll.
type Connected struct {
	fd           int
	recv         *ring.Buffer
	send         *ring.Buffer
	remoteClosed bool
}

// NewConnected takes ownership of fd (already option-prepared and
// either freshly connect()ed or accept()ed). It does not register fd
// with the notifier; the fd keeps the registration its earlier state
// made.
func NewConnected(fd int) *Connected {
	return &Connected{fd: fd, recv: ring.New(0), send: ring.New(0)}
}

func (c *Connected) FD() int              { return c.fd }
func (c *Connected) Name() string         { return "Connected" }
func (c *Connected) RecvRing() *ring.Buffer { return c.recv }
func (c *Connected) SendRing() *ring.Buffer { return c.send }
func (c *Connected) RemoteClosed() bool   { return c.remoteClosed }

// Poll moves bytes in both directions until the ring buffers or the
// kernel socket buffers are exhausted. A zero-length read (EOF) marks
// remote_closed, but per spec §4.1 promotion to RemoteClosed only
// happens once the recv ring has also been fully drained by the user
// — until then we stay Connected so buffered bytes read before the FIN
// remain reachable through the ordinary Connected capability surface.
func (c *Connected) Poll(nf Notifier) Value {
	c.send.DrainTo(c.fd)
	n, eof, err := c.recv.FillFrom(c.fd)
	_ = n
	if err != nil {
		return c.killOnDataError(nf, err)
	}
	if eof {
		c.remoteClosed = true
	}
	if c.remoteClosed && c.recv.ReadAvailable() == 0 {
		if runtime.GOOS == "darwin" {
			assertNotEstablishedDarwin(c.fd)
		}
		return NewRemoteClosed(c.fd, c.send)
	}
	return c
}

func (c *Connected) killOnDataError(nf Notifier, err error) Value {
	nf.RemoveFD(c.fd)
	closeFD(c.fd)
	return &Killed{}
}

// Close begins a graceful local half-close: the state moves to
// LocalClosed, which drains any bytes still buffered in send before it
// ever issues shutdown(SHUT_WR), and keeps draining inbound bytes
// until the peer also closes. remoteClosed is carried forward as-is —
// Close does not itself observe the kernel. Matches
// connection_states.rs's Connected::close.
func (c *Connected) Close(nf Notifier) Value {
	return NewLocalClosed(c.fd, c.send, c.recv, c.remoteClosed)
}

// Kill tears the connection down immediately, abandoning any buffered
// unsent bytes (spec §3's "kill is unconditional").
func (c *Connected) Kill(nf Notifier) *Killed {
	nf.RemoveFD(c.fd)
	closeFD(c.fd)
	return &Killed{}
}
