package sockopt

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewNonblockingStreamBindListen(t *testing.T) {
	fd, err := NewNonblockingStream(unix.AF_INET)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, Bind(fd, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, Listen(fd))

	addr, err := LocalAddr(fd)
	require.NoError(t, err)
	tcpAddr, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	require.NotZero(t, tcpAddr.Port)

	require.True(t, IsListening(fd))
}

func TestSOErrorCleanOnFreshSocket(t *testing.T) {
	fd, err := NewNonblockingStream(unix.AF_INET)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, SOError(fd))
}
