package forwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSendRecvRoundTrip(t *testing.T) {
	sender, receiver, err := Pair()
	require.NoError(t, err)
	defer sender.Close()
	defer receiver.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[1])

	require.NoError(t, sender.Send(fds[0], false))

	var got int
	var ok bool
	require.Eventually(t, func() bool {
		got, ok, err = receiver.Recv()
		require.NoError(t, err)
		return ok
	}, time.Second, time.Millisecond)
	defer unix.Close(got)

	require.NotEqual(t, fds[0], got, "receiver should get a distinct duplicated descriptor")

	payload := []byte("forwarded")
	n, werr := unix.Write(fds[1], payload)
	require.NoError(t, werr)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	require.Eventually(t, func() bool {
		rn, rerr := unix.Read(got, buf)
		return rerr == nil && rn == len(payload)
	}, time.Second, time.Millisecond)
	require.Equal(t, payload, buf)
}

func TestRecvWithNothingPending(t *testing.T) {
	_, receiver, err := Pair()
	require.NoError(t, err)
	defer receiver.Close()

	_, ok, err := receiver.Recv()
	require.NoError(t, err)
	require.False(t, ok)
}
