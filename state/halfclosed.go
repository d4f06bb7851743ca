package state

import (
	"runtime"
	"time"

	"github.com/connio/tcpconn/notifier"
	"github.com/connio/tcpconn/ring"
	"github.com/connio/tcpconn/sockopt"
)

// RemoteClosed is entered when Connected observes EOF on the kernel
// receive side and the recv ring has been fully drained by the user:
// the peer has sent FIN and nothing they sent before it remains
// unread, but we may still send our own data. Per spec §3/§4.1 it is
// not Receivable: there is no ring left to read from. Grounded on
// connection_states.rs's RemoteClosed::poll.
type RemoteClosed struct {
	fd   int
	send *ring.Buffer
}

func NewRemoteClosed(fd int, send *ring.Buffer) *RemoteClosed {
	return &RemoteClosed{fd: fd, send: send}
}

func (c *RemoteClosed) FD() int            { return c.fd }
func (c *RemoteClosed) Name() string       { return "RemoteClosed" }
func (c *RemoteClosed) SendRing() *ring.Buffer { return c.send }
func (c *RemoteClosed) RemoteClosed() bool { return true }

// Poll only has outbound work left to do: drain send into fd.
func (c *RemoteClosed) Poll(nf Notifier) Value {
	c.send.DrainTo(c.fd)
	return c
}

// Close begins our own half-close now that the peer already finished
// theirs, moving to Closing to await final teardown. The fd stays
// registered with the notifier; Closing still has the send ring to
// flush and a shutdown(WRITE) of its own to issue.
func (c *RemoteClosed) Close(nf Notifier) Value {
	return NewClosing(c.fd, c.send, false)
}

func (c *RemoteClosed) Kill(nf Notifier) *Killed {
	nf.RemoveFD(c.fd)
	closeFD(c.fd)
	return &Killed{}
}

// LocalClosed is entered when the caller closes a Connected
// connection: send is drained and, once it is empty, shutdown(WRITE)
// is issued — never before, so that bytes the caller handed to Send
// are not dropped on the floor (spec §8 scenario S3). The peer may
// still send until their own FIN arrives, so recv keeps filling until
// remoteClosed is observed and fully drained. Grounded on
// connection_states.rs's LocalClosed::poll.
type LocalClosed struct {
	fd               int
	send             *ring.Buffer
	recv             *ring.Buffer
	remoteClosed     bool
	localClosedGiven bool
}

// NewLocalClosed carries remoteClosed forward from whatever state
// Close was called on (Connected's own observation of EOF so far);
// it does not shut down the write half itself — Poll does, once send
// is empty.
func NewLocalClosed(fd int, send, recv *ring.Buffer, remoteClosed bool) *LocalClosed {
	return &LocalClosed{fd: fd, send: send, recv: recv, remoteClosed: remoteClosed}
}

func (c *LocalClosed) FD() int              { return c.fd }
func (c *LocalClosed) Name() string         { return "LocalClosed" }
func (c *LocalClosed) RecvRing() *ring.Buffer { return c.recv }
func (c *LocalClosed) RemoteClosed() bool   { return c.remoteClosed }

// Poll drains outstanding send bytes before ever issuing
// shutdown(WRITE), keeps filling recv until the peer's FIN arrives,
// and only promotes to Closing once both halves are truly done: our
// write half has been shut down AND the peer is closed AND recv has
// been fully drained by the user. Matches
// connection_states.rs's LocalClosed::poll exactly.
func (c *LocalClosed) Poll(nf Notifier) Value {
	if c.localClosedGiven && c.remoteClosed {
		if err := sockopt.SOError(c.fd); err != nil {
			return c.kill(nf)
		}
	}
	if !c.localClosedGiven {
		if err := c.send.DrainTo(c.fd); err != nil {
			return c.kill(nf)
		}
	}
	if !c.remoteClosed {
		_, eof, err := c.recv.FillFrom(c.fd)
		if err != nil {
			return c.kill(nf)
		}
		if eof {
			if runtime.GOOS == "darwin" {
				assertNotEstablishedDarwin(c.fd)
			}
			c.remoteClosed = true
		}
	}
	if !c.localClosedGiven && c.send.ReadAvailable() == 0 {
		unixShutdownWrite(c.fd)
		c.localClosedGiven = true
	}
	if !c.remoteClosed || c.recv.ReadAvailable() > 0 {
		return c
	}
	if !c.localClosedGiven {
		return c
	}
	return NewClosing(c.fd, c.send, c.localClosedGiven)
}

func (c *LocalClosed) kill(nf Notifier) *Killed {
	nf.RemoveFD(c.fd)
	closeFD(c.fd)
	return &Killed{}
}

func (c *LocalClosed) Kill(nf Notifier) *Killed {
	return c.kill(nf)
}

// ConnecterLocalClosed is entered when Close is called on a Connecter
// whose connect() attempt has not yet resolved: there is no data to
// discard, only the descriptor to close. Grounded on
// connection_states.rs's ConnecterLocalClosed::poll.
type ConnecterLocalClosed struct {
	fd int
}

func NewConnecterLocalClosed(fd int) *ConnecterLocalClosed {
	return &ConnecterLocalClosed{fd: fd}
}

func (c *ConnecterLocalClosed) FD() int      { return c.fd }
func (c *ConnecterLocalClosed) Name() string { return "ConnecterLocalClosed" }

// Poll closes the descriptor and yields Closed on its first call. It
// does not check whether the connect attempt is still pending, and a
// connect that has succeeded is not carried on into LocalClosed. The fd
// was already removed from the notifier by Connecter.Close.
func (c *ConnecterLocalClosed) Poll(nf Notifier) Value {
	closeFD(c.fd)
	return &Closed{}
}

func (c *ConnecterLocalClosed) Kill(nf Notifier) *Killed {
	closeFD(c.fd)
	return &Killed{}
}

// ConnecteeLocalClosed mirrors ConnecterLocalClosed for the accepted
// side: Close was called on a Connectee before it was ever promoted to
// Connected. Grounded on connection_states.rs's
// ConnecteeLocalClosed::poll.
type ConnecteeLocalClosed struct {
	fd int
}

func NewConnecteeLocalClosed(fd int) *ConnecteeLocalClosed {
	return &ConnecteeLocalClosed{fd: fd}
}

func (c *ConnecteeLocalClosed) FD() int      { return c.fd }
func (c *ConnecteeLocalClosed) Name() string { return "ConnecteeLocalClosed" }

func (c *ConnecteeLocalClosed) Poll(nf Notifier) Value {
	closeFD(c.fd)
	return &Closed{}
}

func (c *ConnecteeLocalClosed) Kill(nf Notifier) *Killed {
	closeFD(c.fd)
	return &Killed{}
}

// Closing is the final teardown state: both halves are shut down (or
// about to be, once send drains) and all that remains is waiting for
// the kernel to report the send buffer fully flushed before releasing
// the descriptor. Grounded on connection_states.rs's Closing::poll,
// including its unsent(fd)-gated retry loop.
type Closing struct {
	fd               int
	send             *ring.Buffer
	localClosedGiven bool
	slot             notifier.InstantSlot
}

func NewClosing(fd int, send *ring.Buffer, localClosedGiven bool) *Closing {
	return &Closing{fd: fd, send: send, localClosedGiven: localClosedGiven}
}

func (c *Closing) FD() int      { return c.fd }
func (c *Closing) Name() string { return "Closing" }

// Poll drains whatever is left in send, shuts down the write half once
// that ring is empty, then polls the kernel's unsent-byte count
// (TIOCOUTQ) before actually closing: only once the kernel itself
// reports nothing left to flush do we close and move to Closed. Until
// then we re-arm ourselves on a short timer and remain Closing, per
// spec §4.1 and scenario S3.
func (c *Closing) Poll(nf Notifier) Value {
	if err := c.send.DrainTo(c.fd); err != nil {
		nf.RemoveFD(c.fd)
		closeFD(c.fd)
		return &Killed{}
	}
	if !c.localClosedGiven && c.send.ReadAvailable() == 0 {
		unixShutdownWrite(c.fd)
		c.localClosedGiven = true
	}
	if !c.localClosedGiven {
		return c
	}
	unsent, err := sockopt.Unsent(c.fd)
	if err != nil {
		logFatalAbort("Closing", err.Error())
	}
	if unsent == 0 {
		nf.RemoveFD(c.fd)
		closeFD(c.fd)
		return &Closed{}
	}
	c.slot = nf.AddInstant(time.Now().Add(RetryDelay))
	return c
}

func (c *Closing) Kill(nf Notifier) *Killed {
	if c.slot != nil {
		nf.RemoveInstant(c.slot)
	}
	nf.RemoveFD(c.fd)
	closeFD(c.fd)
	return &Killed{}
}

// Closed is the terminal state reached by a graceful close sequence.
// It owns no descriptor.
type Closed struct{}

func (c *Closed) FD() int      { return -1 }
func (c *Closed) Name() string { return "Closed" }

// Killed is the terminal state reached by Kill, or by the state
// machine's own fatal-error path. It owns no descriptor.
type Killed struct{}

func (c *Killed) FD() int      { return -1 }
func (c *Killed) Name() string { return "Killed" }
