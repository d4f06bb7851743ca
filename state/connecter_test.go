package state

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/connio/tcpconn/sockopt"
)

func listenLoopback(t *testing.T) (fd int, addr *net.TCPAddr) {
	t.Helper()
	fd, err := sockopt.NewNonblockingStream(unix.AF_INET)
	require.NoError(t, err)
	require.NoError(t, sockopt.Bind(fd, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, sockopt.Listen(fd))
	a, err := sockopt.LocalAddr(fd)
	require.NoError(t, err)
	return fd, a.(*net.TCPAddr)
}

func TestConnecterReachesConnected(t *testing.T) {
	lfd, addr := listenLoopback(t)
	defer unix.Close(lfd)

	nf := newFakeNotifier()
	c, err := NewConnecter(addr, nf)
	require.NoError(t, err)

	var v Value = c
	deadline := time.Now().Add(2 * time.Second)
	for {
		p, ok := v.(Pollable)
		require.True(t, ok, "state %s must be pollable while connecting", v.Name())
		v = p.Poll(nf)
		if _, stillConnecter := v.(*Connecter); !stillConnecter {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Connecter to resolve")
		}
		time.Sleep(time.Millisecond)
	}

	connected, ok := v.(*Connected)
	require.True(t, ok, "expected Connected, got %s", v.Name())
	require.GreaterOrEqual(t, connected.FD(), 0)
}

func TestConnecterCloseBeforeResolved(t *testing.T) {
	lfd, addr := listenLoopback(t)
	defer unix.Close(lfd)

	nf := newFakeNotifier()
	c, err := NewConnecter(addr, nf)
	require.NoError(t, err)

	closed := c.Close(nf)
	_, ok := closed.(*ConnecterLocalClosed)
	require.True(t, ok, "expected ConnecterLocalClosed, got %s", closed.Name())
}
