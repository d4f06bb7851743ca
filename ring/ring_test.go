package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestByteAtATime(t *testing.T) {
	b := New(4)
	assert.Equal(t, 4, b.Cap())
	assert.Equal(t, 0, b.ReadAvailable())
	assert.Equal(t, 4, b.WriteAvailable())

	require.True(t, b.WriteByte('a'))
	require.True(t, b.WriteByte('b'))
	c, ok := b.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte('a'), c)

	require.True(t, b.WriteByte('c'))
	require.True(t, b.WriteByte('d'))
	require.True(t, b.WriteByte('e'))
	assert.False(t, b.WriteByte('f'), "buffer should be full")
}

func TestEmptyReadByte(t *testing.T) {
	b := New(4)
	_, ok := b.ReadByte()
	assert.False(t, ok)
}

func TestDefaultCapacity(t *testing.T) {
	b := New(0)
	assert.Equal(t, DefaultCapacity, b.Cap())
}

func TestFillFromAndDrainToPipe(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unixPipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := []byte("hello, ring buffer")
	n, err := unix.Write(fds[1], payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	unix.Close(fds[1])

	b := New(64)
	read, eof, err := b.FillFrom(fds[0])
	require.NoError(t, err)
	assert.Equal(t, len(payload), read)
	assert.True(t, eof, "writer end was closed, expect EOF after draining")
	assert.Equal(t, len(payload), b.ReadAvailable())

	out := make([]byte, len(payload))
	for i := range out {
		c, ok := b.ReadByte()
		require.True(t, ok)
		out[i] = c
	}
	assert.Equal(t, payload, out)
}

func unixPipe(fds []int) error {
	return unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC)
}
