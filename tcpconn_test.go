//go:build linux

package tcpconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/connio/tcpconn/notifier"
	"github.com/connio/tcpconn/sockopt"
)

// TestLoopbackEcho drives spec.md §8's scenario S1: dial a listener,
// send bytes, and observe them arrive at the peer, using the real
// epoll-backed notifier rather than a fake one.
func TestLoopbackEcho(t *testing.T) {
	nf, err := notifier.NewEpoll()
	require.NoError(t, err)
	defer nf.Close()

	ln, err := NewEphemeral(net.IPv4(127, 0, 0, 1), nf)
	require.NoError(t, err)
	defer ln.Close()

	var accepted *Connection
	nf.Register(ln.FD(), pollFunc(func() {
		for _, c := range ln.Poll() {
			accepted = c
			nf.Register(c.FD(), pollFunc(func() { c.Poll(nf) }))
		}
	}))

	// Discover the ephemeral port the listener actually bound to.
	laAny, err := sockopt.LocalAddr(ln.FD())
	require.NoError(t, err)
	la := laAny.(*net.TCPAddr)
	la.IP = net.IPv4(127, 0, 0, 1)

	dialer, err := Connect(la, nf)
	require.NoError(t, err)
	nf.Register(dialer.FD(), pollFunc(func() { dialer.Poll(nf) }))

	stop := make(chan struct{})
	go func() { _ = nf.Run(stop) }()
	defer close(stop)

	require.Eventually(t, func() bool { return !dialer.Connecting() }, 2*time.Second, time.Millisecond)
	require.True(t, dialer.Valid())

	require.Eventually(t, func() bool { return dialer.Sendable() }, time.Second, time.Millisecond)
	msg := []byte("ping")
	n := dialer.Send(msg)
	require.Equal(t, len(msg), n)

	require.Eventually(t, func() bool {
		return accepted != nil && accepted.Recvable() && accepted.RecvAvail() >= len(msg)
	}, 2*time.Second, time.Millisecond)

	got := make([]byte, len(msg))
	accepted.Recv(got)
	require.Equal(t, msg, got)
}

// dialAndAccept drives a listener and a dialer, both on the real epoll
// notifier, until the dialer reaches Connected and the listener has
// handed back the accepted peer.
func dialAndAccept(t *testing.T, nf *notifier.EpollNotifier) (ln *Listener, dialer, accepted *Connection) {
	t.Helper()
	var err error
	ln, err = NewEphemeral(net.IPv4(127, 0, 0, 1), nf)
	require.NoError(t, err)

	var acc *Connection
	nf.Register(ln.FD(), pollFunc(func() {
		for _, c := range ln.Poll() {
			acc = c
			nf.Register(c.FD(), pollFunc(func() { acc.Poll(nf) }))
		}
	}))

	laAny, err := sockopt.LocalAddr(ln.FD())
	require.NoError(t, err)
	la := laAny.(*net.TCPAddr)
	la.IP = net.IPv4(127, 0, 0, 1)

	dialer, err = Connect(la, nf)
	require.NoError(t, err)
	nf.Register(dialer.FD(), pollFunc(func() { dialer.Poll(nf) }))

	require.Eventually(t, func() bool { return !dialer.Connecting() }, 2*time.Second, time.Millisecond)
	require.True(t, dialer.Valid())
	require.Eventually(t, func() bool { return acc != nil }, 2*time.Second, time.Millisecond)
	return ln, dialer, acc
}

// TestFullCloseSequence drives spec.md §8's scenario S1 through to
// completion: once both sides have initiated a graceful Close, each
// must independently reach Closed, against the real epoll notifier.
func TestFullCloseSequence(t *testing.T) {
	nf, err := notifier.NewEpoll()
	require.NoError(t, err)
	defer nf.Close()

	ln, dialer, accepted := dialAndAccept(t, nf)
	defer ln.Close()

	stop := make(chan struct{})
	go func() { _ = nf.Run(stop) }()
	defer close(stop)

	// Both sides must close for either to reach Closed: each side's FIN
	// is what lets the other's LocalClosed/RemoteClosed observe
	// remoteClosed and finish draining, so close both before waiting on
	// either.
	require.True(t, dialer.Closable())
	dialer.Close(nf)

	require.Eventually(t, func() bool {
		return accepted.Valid() && accepted.Closable()
	}, 2*time.Second, time.Millisecond)
	accepted.Close(nf)

	require.Eventually(t, func() bool { return dialer.Closed() }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return accepted.Closed() }, 2*time.Second, time.Millisecond)
}

// TestCloseFlushesPendingSend drives spec.md §8's scenario S3: bytes
// handed to Send are buffered but never polled before Close is called
// immediately afterwards. The state machine must still flush them to
// the peer — via LocalClosed and Closing draining the send ring before
// ever issuing shutdown(WRITE) — rather than losing them to an
// immediate teardown.
func TestCloseFlushesPendingSend(t *testing.T) {
	nf, err := notifier.NewEpoll()
	require.NoError(t, err)
	defer nf.Close()

	ln, dialer, accepted := dialAndAccept(t, nf)
	defer ln.Close()

	stop := make(chan struct{})
	go func() { _ = nf.Run(stop) }()
	defer close(stop)

	msg := []byte{0x41, 0x42, 0x43}
	n := dialer.Send(msg)
	require.Equal(t, len(msg), n)
	dialer.Close(nf)

	require.Eventually(t, func() bool {
		return accepted.Recvable() && accepted.RecvAvail() >= len(msg)
	}, 2*time.Second, time.Millisecond)

	got := make([]byte, len(msg))
	accepted.Recv(got)
	require.Equal(t, msg, got)

	require.Eventually(t, func() bool {
		return accepted.Valid() && accepted.Closable()
	}, 2*time.Second, time.Millisecond)
	accepted.Close(nf)

	require.Eventually(t, func() bool { return dialer.Closed() }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return accepted.Closed() }, 2*time.Second, time.Millisecond)
}

type pollFunc func()

func (p pollFunc) Poll() { p() }
