// Package sockopt wraps the thin system-call shims the state machine
// needs on every stream and listening descriptor (spec.md §1's "thin
// system-call shims" collaborator, given a concrete body here). Every
// function here is a direct golang.org/x/sys/unix call plus error
// wrapping; none of them retain state.
package sockopt

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ListenBacklog is the fixed backlog used by every listening socket
// this module creates (spec §6).
const ListenBacklog = 128

// NewNonblockingStream creates a non-blocking, close-on-exec AF_INET
// (or AF_INET6, chosen by family) SOCK_STREAM socket with the options
// every connecting/listening/connected descriptor in this module must
// carry: SO_REUSEADDR, SO_REUSEPORT, SO_LINGER(10s), TCP_NODELAY.
func NewNonblockingStream(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "sockopt: socket")
	}
	if err := Prepare(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Prepare applies the full standard option set to an already-created
// fd (used both by NewNonblockingStream and by callers wrapping an
// existing fd handed in from elsewhere, e.g. a forwarded descriptor).
func Prepare(fd int) error {
	if err := SetReuseAddr(fd); err != nil {
		return err
	}
	if err := SetReusePort(fd); err != nil {
		return err
	}
	if err := SetLinger(fd, 10*time.Second); err != nil {
		return err
	}
	if err := SetNoDelay(fd); err != nil {
		return err
	}
	if err := SetCloseOnExec(fd); err != nil {
		return err
	}
	return SetNonblocking(fd)
}

// SetReuseAddr sets SO_REUSEADDR.
func SetReuseAddr(fd int) error {
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	return errors.Wrap(err, "sockopt: SO_REUSEADDR")
}

// SetReusePort sets SO_REUSEPORT. Not all POSIX targets define it
// identically; this module only targets the platforms spec §1 names
// (Linux/macOS/BSD), all of which have it.
func SetReusePort(fd int) error {
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return errors.Wrap(err, "sockopt: SO_REUSEPORT")
}

// SetLinger sets SO_LINGER to the given duration, matching the
// original's 10-second default (spec §6).
func SetLinger(fd int, d time.Duration) error {
	err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
		Onoff:  1,
		Linger: int32(d / time.Second),
	})
	return errors.Wrap(err, "sockopt: SO_LINGER")
}

// SetNoDelay sets TCP_NODELAY, disabling Nagle's algorithm.
func SetNoDelay(fd int) error {
	err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return errors.Wrap(err, "sockopt: TCP_NODELAY")
}

// SetCloseOnExec sets FD_CLOEXEC via fcntl, for descriptors created
// without SOCK_CLOEXEC (e.g. ones handed over by a forwarder).
func SetCloseOnExec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return errors.Wrap(err, "sockopt: FD_CLOEXEC")
}

// SetNonblocking sets O_NONBLOCK via fcntl.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SOError reads and clears SO_ERROR, the mechanism by which a
// nonblocking connect()'s eventual outcome surfaces (spec §4.1's
// Connecter retry logic).
func SOError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "sockopt: SO_ERROR")
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// PeerAddr returns fd's connected peer address.
func PeerAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, errors.Wrap(err, "sockopt: getpeername")
	}
	return sockaddrToTCPAddr(sa)
}

// LocalAddr returns fd's bound local address.
func LocalAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, errors.Wrap(err, "sockopt: getsockname")
	}
	return sockaddrToTCPAddr(sa)
}

func sockaddrToTCPAddr(sa unix.Sockaddr) (*net.TCPAddr, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}, nil
	default:
		return nil, errors.Errorf("sockopt: unsupported sockaddr type %T", sa)
	}
}

// Unsent returns the number of bytes still queued in the kernel send
// buffer and not yet acknowledged by the peer (Linux TIOCOUTQ / macOS
// equivalent not implemented here — see DESIGN.md for the portability
// note; this module targets Linux's ioctl).
func Unsent(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, unix.TIOCOUTQ)
	if err != nil {
		return 0, errors.Wrap(err, "sockopt: TIOCOUTQ")
	}
	return n, nil
}

// Unreceived returns the number of bytes sitting in the kernel receive
// buffer not yet drained by this process.
func Unreceived(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
	if err != nil {
		return 0, errors.Wrap(err, "sockopt: TIOCINQ")
	}
	return n, nil
}

// IsConnected reports whether a nonblocking connect() has completed
// successfully (SO_ERROR reads clean and getpeername succeeds).
func IsConnected(fd int) bool {
	if err := SOError(fd); err != nil {
		return false
	}
	_, err := unix.Getpeername(fd)
	return err == nil
}

// IsListening probes whether fd is a listening socket by attempting a
// nonblocking accept() and checking for EINVAL, the discriminator
// named in spec §9 for detecting that a forwarded descriptor turned
// out to be a listener rather than a connected stream. It returns true
// when accept() succeeds (the accepted descriptor is closed) or would
// block, and false on EINVAL or any other error.
func IsListening(fd int) bool {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if nfd >= 0 {
		unix.Close(nfd)
		return true
	}
	switch err {
	case unix.EAGAIN, unix.EWOULDBLOCK:
		return true
	case unix.EINVAL:
		return false
	default:
		return false
	}
}

// Bind binds fd to addr. An empty/zero port requests an ephemeral
// port, per spec §4.2's NewEphemeral listener constructor.
func Bind(fd int, addr *net.TCPAddr) error {
	sa, err := tcpAddrToSockaddr(addr)
	if err != nil {
		return err
	}
	return errors.Wrap(unix.Bind(fd, sa), "sockopt: bind")
}

// Listen marks fd as a listening socket with the module's fixed backlog.
func Listen(fd int) error {
	return errors.Wrap(unix.Listen(fd, ListenBacklog), "sockopt: listen")
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if addr == nil {
		return &unix.SockaddrInet4{Port: 0}, nil
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, errors.Errorf("sockopt: invalid IP %v", addr.IP)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, nil
}
