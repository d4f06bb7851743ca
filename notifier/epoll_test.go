//go:build linux

package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type countingPollable struct {
	count int
	done  chan struct{}
}

func (c *countingPollable) Poll() {
	c.count++
	if c.count == 1 {
		close(c.done)
	}
}

func TestEpollFiresOnReadableFD(t *testing.T) {
	n, err := NewEpoll()
	require.NoError(t, err)
	defer n.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p := &countingPollable{done: make(chan struct{})}
	n.Register(fds[0], p)
	n.AddFD(fds[0])

	stop := make(chan struct{})
	go func() { _ = n.Run(stop) }()
	defer close(stop)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("epoll notifier never fired on readable pipe")
	}
}

func TestDueInstantPollsOwner(t *testing.T) {
	n, err := NewEpoll()
	require.NoError(t, err)
	defer n.Close()

	p := &countingPollable{done: make(chan struct{})}
	n.instants = append(n.instants, &instant{at: time.Now().Add(10 * time.Millisecond), owner: p})

	stop := make(chan struct{})
	go func() { _ = n.Run(stop) }()
	defer close(stop)

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled instant never fired")
	}
}
