// Package forwarder implements the socket-descriptor forwarding wire
// contract from spec.md §4.3/§6: a Unix datagram socket pair that
// carries an open file descriptor from one process (or goroutine
// group) to another via SCM_RIGHTS ancillary data, so a listening or
// connected socket can migrate without the kernel ever seeing the
// connection change hands. Grounded on
// _examples/original_source/src/socket_forwarder.rs.
package forwarder

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pair creates a connected pair of Unix datagram sockets suitable for
// fd passing, returning one end as a Sender and the other as a
// Receiver. This mirrors the Rust source's SocketForwarder::new, which
// builds the pair with UnixDatagram::pair rather than expecting an
// external rendezvous path.
func Pair() (*Sender, *Receiver, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "forwarder: socketpair")
	}
	return &Sender{fd: fds[0]}, &Receiver{fd: fds[1]}, nil
}

// Sender is the sending half of a forwarding pair.
type Sender struct {
	fd int
}

// FD returns the underlying control-channel descriptor, for adding to
// a Notifier if the caller wants readiness notification on it (the
// datagram channel itself is typically write-only from this side).
func (s *Sender) FD() int { return s.fd }

// Send hands fd to whatever Receiver is on the other end of the pair,
// via a zero-byte datagram carrying fd as SCM_RIGHTS ancillary data.
// When copyFD is false (the common case - migrating sole ownership),
// Send closes its local copy of fd once the kernel has accepted the
// datagram, per the single-owner-FD invariant in spec §3. When copyFD
// is true, Send leaves fd open, so the caller keeps it and may send the
// same fd again.
//
// On darwin/ios, closing a forwarded fd too soon after the sendmsg can
// race the kernel's own bookkeeping for the SCM_RIGHTS duplication
// (the same quirk the original crate works around — see
// socket_forwarder.rs's cfg(any(target_os = "macos", target_os =
// "ios"))). This module reproduces that workaround: on those platforms
// the local fd is closed by a deferred background timer roughly a
// second later instead of immediately.
func (s *Sender) Send(fd int, copyFD bool) error {
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(s.fd, nil, rights, nil, 0); err != nil {
		return errors.Wrap(err, "forwarder: sendmsg")
	}
	if copyFD {
		return nil
	}
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		time.AfterFunc(time.Second, func() { unix.Close(fd) })
		return nil
	}
	return errors.Wrap(unix.Close(fd), "forwarder: close forwarded fd")
}

// Close releases the sender's end of the control channel.
func (s *Sender) Close() error {
	return errors.Wrap(unix.Close(s.fd), "forwarder: close sender")
}

// Receiver is the receiving half of a forwarding pair.
type Receiver struct {
	fd int
}

// FD returns the underlying control-channel descriptor, suitable for
// registering with a Notifier to learn when a forwarded descriptor has
// arrived (edge-triggered readability on this fd).
func (r *Receiver) FD() int { return r.fd }

// Recv attempts to receive one forwarded descriptor. It is
// non-blocking: ok is false if nothing has arrived yet. Recv panics if
// a malformed datagram arrives (a nonzero payload or a control message
// carrying anything other than exactly one fd) — per spec's no-silent-
// drop discipline, a forwarder that can't parse its own wire format is
// a programming-contract violation, not a recoverable error.
func (r *Receiver) Recv() (fd int, ok bool, err error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, rerr := unix.Recvmsg(r.fd, buf, oob, 0)
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return -1, false, nil
		}
		return -1, false, errors.Wrap(rerr, "forwarder: recvmsg")
	}
	if n != 0 {
		panic("forwarder: received non-empty payload on fd-passing channel")
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		panic(errors.Wrap(err, "forwarder: malformed control message").Error())
	}
	if len(cmsgs) != 1 {
		panic("forwarder: expected exactly one control message")
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		panic(errors.Wrap(err, "forwarder: ParseUnixRights").Error())
	}
	if len(fds) != 1 {
		panic("forwarder: expected exactly one forwarded descriptor")
	}
	return fds[0], true, nil
}

// Close releases the receiver's end of the control channel.
func (r *Receiver) Close() error {
	return errors.Wrap(unix.Close(r.fd), "forwarder: close receiver")
}
