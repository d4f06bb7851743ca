package tcpconn

import (
	"net"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/connio/tcpconn/forwarder"
	"github.com/connio/tcpconn/notifier"
	"github.com/connio/tcpconn/sockopt"
)

// AcceptHook inspects a freshly accept()ed descriptor before it is
// wrapped as a Connection, and may instead divert it to fwd, e.g. to
// hand it off to a sibling process via a forwarder.Sender. Reproduced
// literally from the original crate's accept_hook closure
// (spec §4.2; _examples/original_source/src/connection_states.rs).
type AcceptHook func(fd int) (fwd *forwarder.Sender, divert bool)

// Listener accepts inbound connections on a bound, listening
// descriptor. Like Connection, it owns exactly one fd and is driven by
// Poll; unlike Connection it never itself becomes terminal except via
// Close.
type Listener struct {
	fd       int
	nf       notifier.Notifier
	hook     AcceptHook
	closed   bool
	receiver *forwarder.Receiver // set only in forwardee mode
}

// NewEphemeral creates a listening socket bound to an ephemeral port on
// the given IP (nil means INADDR_ANY), applying the standard option
// set and the module's fixed listen backlog.
func NewEphemeral(ip net.IP, nf notifier.Notifier) (*Listener, error) {
	fd, err := sockopt.NewNonblockingStream(unix.AF_INET)
	if err != nil {
		return nil, err
	}
	if ip == nil {
		ip = net.IPv4zero
	}
	if err := sockopt.Bind(fd, &net.TCPAddr{IP: ip, Port: 0}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := sockopt.Listen(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	l := &Listener{fd: fd, nf: nf}
	nf.AddFD(fd)
	return l, nil
}

// WithFD wraps an already-listening descriptor the caller obtained by
// some other means (e.g. inherited across an exec), applying the
// standard option set if it has not already been applied.
func WithFD(fd int, nf notifier.Notifier) (*Listener, error) {
	if err := sockopt.Prepare(fd); err != nil {
		return nil, err
	}
	l := &Listener{fd: fd, nf: nf}
	nf.AddFD(fd)
	return l, nil
}

// WithSocketForwardee puts a Listener in forwardee mode: instead of
// owning a listening descriptor directly, it waits to receive one over
// recv (spec §4.2's "Listener can itself be replaced in place by a
// forwarded listening descriptor"). Poll on a forwardee-mode Listener
// is a no-op until a descriptor arrives, at which point the Listener
// upgrades itself in place to own it.
func WithSocketForwardee(recv *forwarder.Receiver, nf notifier.Notifier) *Listener {
	l := &Listener{fd: -1, nf: nf, receiver: recv}
	nf.AddFD(recv.FD())
	return l
}

// SetAcceptHook installs a diversion hook run on every accepted
// descriptor before it is wrapped as a Connection.
func (l *Listener) SetAcceptHook(hook AcceptHook) { l.hook = hook }

// FD returns the descriptor this listener currently owns, or -1 if it
// is a forwardee still waiting for one to arrive.
func (l *Listener) FD() int { return l.fd }

// IntoFD releases ownership of the listening descriptor to the caller
// (e.g. to hand it to a forwarder.Sender) without closing it. The
// Listener is no longer usable afterwards.
func (l *Listener) IntoFD() int {
	if l.fd >= 0 {
		l.nf.RemoveFD(l.fd)
	}
	fd := l.fd
	l.fd = -1
	l.closed = true
	return fd
}

// Poll, in ordinary mode, accepts every connection currently queued
// (edge-triggered: draining fully is required to not miss the next
// edge) and returns them. In forwardee mode with no descriptor yet, it
// checks whether one has arrived and upgrades in place; per spec §9 a
// forwarded descriptor that turns out to still be a listening socket
// (one on which accept() does not fail with EINVAL) simply becomes this
// Listener's own fd, while any other shape is a contract violation.
func (l *Listener) Poll() []*Connection {
	if l.fd < 0 {
		return l.pollForwardee()
	}
	var out []*Connection
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				logrus.WithError(err).WithField("fd", l.fd).Warn("tcpconn: accept failed")
			}
			return out
		}
		if err := sockopt.Prepare(nfd); err != nil {
			logrus.WithError(err).Warn("tcpconn: preparing accepted fd failed")
			unix.Close(nfd)
			continue
		}
		if l.hook != nil {
			if fwd, divert := l.hook(nfd); divert {
				if err := fwd.Send(nfd, false); err != nil {
					logrus.WithError(err).Warn("tcpconn: accept_hook forward failed")
				}
				continue
			}
		}
		l.nf.AddFD(nfd)
		out = append(out, fromAccepted(nfd))
	}
}

func (l *Listener) pollForwardee() []*Connection {
	fd, ok, err := l.receiver.Recv()
	if err != nil {
		logrus.WithError(err).Warn("tcpconn: forwarder recv failed")
		return nil
	}
	if !ok {
		return nil
	}
	l.nf.RemoveFD(l.receiver.FD())
	if sockopt.IsListening(fd) {
		l.fd = fd
		l.nf.AddFD(fd)
		return nil
	}
	// A forwarded descriptor that is not a listening socket has no
	// meaning for a Listener: the sender side violated the contract.
	unix.Close(fd)
	panic("tcpconn: forwarded descriptor was not a listening socket")
}

// Close releases the listening descriptor. Idempotent.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.fd >= 0 {
		l.nf.RemoveFD(l.fd)
		err := unix.Close(l.fd)
		l.fd = -1
		return errors.Wrap(err, "tcpconn: close listener")
	}
	if l.receiver != nil {
		l.nf.RemoveFD(l.receiver.FD())
		return l.receiver.Close()
	}
	return nil
}

// ListenerFromSystemd adopts a listening socket handed to this process
// by systemd socket activation (LISTEN_FDS/LISTEN_PID), the
// production-grade analogue of the in-process SocketForwarder-based
// listener migration: the kernel-level descriptor itself survives the
// exec into a freshly started process. name matches the
// FileListenerName systemd was configured with, or "" to take a
// listener of any name; which name is taken when several are present
// is not defined.
func ListenerFromSystemd(name string, nf notifier.Notifier) (*Listener, error) {
	listeners, err := activation.ListenersWithNames()
	if err != nil {
		return nil, errors.Wrap(err, "tcpconn: systemd activation listeners")
	}
	var ln net.Listener
	if name != "" {
		ls, ok := listeners[name]
		if !ok || len(ls) == 0 {
			return nil, errors.Errorf("tcpconn: no systemd listener named %q", name)
		}
		ln = ls[0]
	} else {
		for _, ls := range listeners {
			if len(ls) > 0 {
				ln = ls[0]
				break
			}
		}
		if ln == nil {
			return nil, errors.New("tcpconn: no systemd listeners available")
		}
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, errors.Errorf("tcpconn: systemd listener %q is not TCP", name)
	}
	sc, err := tl.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "tcpconn: SyscallConn")
	}
	var fd int
	var dupErr error
	err = sc.Control(func(rawFD uintptr) {
		fd, dupErr = unix.Dup(int(rawFD))
	})
	if err != nil {
		return nil, errors.Wrap(err, "tcpconn: Control")
	}
	if dupErr != nil {
		return nil, errors.Wrap(dupErr, "tcpconn: dup systemd listener fd")
	}
	tl.Close()
	return WithFD(fd, nf)
}
