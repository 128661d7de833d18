package tscb

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWatchInvokesOnReadable(t *testing.T) {
	r := newTestReactor(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	t.Cleanup(func() { retryClose(fds[0]); retryClose(fds[1]) })

	var gotMask int32
	done := make(chan struct{})
	conn, err := r.Watch(fds[0], Input, func(fd int, mask int32) {
		atomic.StoreInt32(&gotMask, mask)
		close(done)
	})
	require.NoError(t, err)
	defer conn.Disconnect()

	n, werr := retryWrite(fds[1], []byte("x"))
	require.NoError(t, werr)
	require.Equal(t, 1, n)

	assert.Eventually(t, func() bool {
		r.Dispatch(10*time.Millisecond, 0)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	assert.NotZero(t, atomic.LoadInt32(&gotMask)&Input)
}

func TestWatchModifyChangesMask(t *testing.T) {
	r := newTestReactor(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	t.Cleanup(func() { retryClose(fds[0]); retryClose(fds[1]) })

	conn, err := r.Watch(fds[0], Input, func(int, int32) {})
	require.NoError(t, err)

	assert.NotZero(t, conn.EventMask()&Input)

	require.NoError(t, conn.Modify(0))
	assert.Zero(t, conn.EventMask())

	conn.Disconnect()
	assert.False(t, conn.IsConnected())
}

func TestWatchDisconnectStopsInvocation(t *testing.T) {
	r := newTestReactor(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	t.Cleanup(func() { retryClose(fds[0]); retryClose(fds[1]) })

	var calls int32
	conn, err := r.Watch(fds[0], Input, func(int, int32) {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)

	conn.Disconnect()
	assert.False(t, conn.IsConnected())

	n, werr := retryWrite(fds[1], []byte("x"))
	require.NoError(t, werr)
	require.Equal(t, 1, n)

	r.Dispatch(20*time.Millisecond, 0)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}
