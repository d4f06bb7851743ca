package state

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/connio/tcpconn/notifier"
	"github.com/connio/tcpconn/sockopt"
)

// Connecter is an outbound connection attempt in flight: connect(2)
// has been issued non-blocking and EINPROGRESS was returned, or a
// retryable error (EADDRNOTAVAIL/ECONNABORTED/a nonzero SO_ERROR) is
// being retried on a timer. Grounded on connection_states.rs's
// Connecter::poll.
type Connecter struct {
	fd      int
	remote  *net.TCPAddr
	slot    notifier.InstantSlot
	retries int
}

// NewConnecter begins an outbound connection to remote. It creates its
// own socket, applies the standard option set, and issues the first
// non-blocking connect(2) attempt immediately.
func NewConnecter(remote *net.TCPAddr, nf Notifier) (*Connecter, error) {
	fd, err := sockopt.NewNonblockingStream(unix.AF_INET)
	if err != nil {
		return nil, err
	}
	c := &Connecter{fd: fd, remote: remote}
	if err := c.attempt(nf); err != nil {
		closeFD(fd)
		return nil, err
	}
	return c, nil
}

func (c *Connecter) FD() int      { return c.fd }
func (c *Connecter) Name() string { return "Connecter" }

func (c *Connecter) attempt(nf Notifier) error {
	sa, err := tcpAddrToSockaddr(c.remote)
	if err != nil {
		return err
	}
	err = unix.Connect(c.fd, sa)
	if err == nil || err == unix.EINPROGRESS {
		nf.AddFD(c.fd)
		return nil
	}
	return c.scheduleRetry(nf, err)
}

func (c *Connecter) scheduleRetry(nf Notifier, cause error) error {
	switch cause {
	case unix.EADDRNOTAVAIL, unix.ECONNABORTED, unix.EINTR, unix.EAGAIN:
		c.retries++
		if c.retries > RetryLimit {
			logFatalAbort("Connecter", "exceeded connect retry limit")
		}
		c.slot = nf.AddInstant(time.Now().Add(RetryDelay))
		return nil
	default:
		return errors.Wrapf(cause, "connecter: connect %s", c.remote)
	}
}

// Poll re-checks the pending connect, or retries after a scheduled
// backoff. It returns either itself (still pending), a *Connected (the
// connect completed), or panics via the fatal-abort path if the retry
// cap is exceeded — matching the original's assert!(retries < 1000).
func (c *Connecter) Poll(nf Notifier) Value {
	c.retries = 0
	if c.slot != nil {
		// Timer-driven retry: reissue connect().
		c.slot = nil
		if err := c.attempt(nf); err != nil {
			nf.RemoveFD(c.fd)
			closeFD(c.fd)
			logFatalAbort("Connecter", err.Error())
		}
		return c
	}
	if err := sockopt.SOError(c.fd); err != nil {
		nf.RemoveFD(c.fd)
		if _, pending := err.(unix.Errno); !pending {
			// getsockopt itself failed: not a connect outcome.
			closeFD(c.fd)
			logFatalAbort("Connecter", err.Error())
		}
		// Any pending SO_ERROR is a failed attempt: retry after RetryDelay.
		c.retries++
		if c.retries > RetryLimit {
			logFatalAbort("Connecter", "exceeded connect retry limit")
		}
		c.slot = nf.AddInstant(time.Now().Add(RetryDelay))
		return c
	}
	if !sockopt.IsConnected(c.fd) {
		// EINPROGRESS still pending: wait for the next writable edge.
		return c
	}
	return NewConnected(c.fd)
}

// Close aborts a pending connect attempt: it cancels any retry timer or
// removes the descriptor from the notifier, and hands the still-open
// descriptor to ConnecterLocalClosed, whose next Poll closes it and
// yields Closed. Matches connection_states.rs's Connecter::close.
func (c *Connecter) Close(nf Notifier) Value {
	if c.slot != nil {
		nf.RemoveInstant(c.slot)
	} else {
		nf.RemoveFD(c.fd)
	}
	return NewConnecterLocalClosed(c.fd)
}

// Kill aborts the connect attempt unconditionally.
func (c *Connecter) Kill(nf Notifier) *Killed {
	if c.slot != nil {
		nf.RemoveInstant(c.slot)
	} else {
		nf.RemoveFD(c.fd)
	}
	closeFD(c.fd)
	return &Killed{}
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, errors.Errorf("connecter: invalid remote IP %v", addr.IP)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, nil
}
