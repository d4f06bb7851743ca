package state

import "github.com/connio/tcpconn/sockopt"

// Connectee wraps a freshly-accepted descriptor before it has been
// confirmed usable. Unlike Connecter it has no connect() to retry, but
// accept(2) can still hand back a descriptor that already carries a
// pending SO_ERROR (the peer reset the connection between the kernel
// completing the handshake and accept returning it), so Poll checks
// SO_ERROR the same way Connecter does before promoting to Connected.
// Grounded on connection_states.rs's Connectee::poll.
type Connectee struct {
	fd int
}

// NewConnectee wraps an already-accepted, option-prepared fd.
func NewConnectee(fd int) *Connectee {
	return &Connectee{fd: fd}
}

func (c *Connectee) FD() int      { return c.fd }
func (c *Connectee) Name() string { return "Connectee" }

// Poll kills the connection if the kernel already recorded an error
// for it, otherwise promotes to Connected once is_connected() confirms
// the handshake is actually complete, and stays Connectee until then.
func (c *Connectee) Poll(nf Notifier) Value {
	if err := sockopt.SOError(c.fd); err != nil {
		nf.RemoveFD(c.fd)
		closeFD(c.fd)
		return &Killed{}
	}
	if !sockopt.IsConnected(c.fd) {
		return c
	}
	return NewConnected(c.fd)
}

// Close tears the accepted connection down before it was ever fully
// handed to the caller as Connected, matching
// connection_states.rs's Connectee::close.
func (c *Connectee) Close(nf Notifier) Value {
	return NewConnecteeLocalClosed(c.fd)
}

// Kill closes the descriptor unconditionally.
func (c *Connectee) Kill(nf Notifier) *Killed {
	nf.RemoveFD(c.fd)
	closeFD(c.fd)
	return &Killed{}
}
