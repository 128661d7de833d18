package tscb

import (
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := NewReactor()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAsyncProcedureBasic(t *testing.T) {
	r := newTestReactor(t)

	var calls int32
	conn, err := r.AsyncProcedure(func() {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)

	go conn.Post()

	assert.Eventually(t, func() bool {
		r.Dispatch(10*time.Millisecond, 0)
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 10*time.Millisecond)

	// Coalescing: a second Post before the next Dispatch still invokes once.
	conn.Post()
	conn.Post()
	r.Dispatch(10*time.Millisecond, 0)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestAsyncProcedureDisconnectBeforeDispatchSuppressesInvocation(t *testing.T) {
	r := newTestReactor(t)

	var calls int32
	conn, err := r.AsyncProcedure(func() {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)

	conn.Post()
	conn.Disconnect()

	_, err = r.Dispatch(10*time.Millisecond, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestDispatchThrowingAsyncProceduresStopBatchAndRetryNextCall(t *testing.T) {
	r := newTestReactor(t)

	var calls int32
	failing := func() {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	}

	c1, err := r.AsyncProcedure(failing)
	require.NoError(t, err)
	c2, err := r.AsyncProcedure(failing)
	require.NoError(t, err)

	c1.Post()
	c2.Post()

	_, err = r.Dispatch(10*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrCallbackFailed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	_, err = r.Dispatch(10*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrCallbackFailed)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	_, err = r.Dispatch(10*time.Millisecond, 0)
	require.NoError(t, err)
}

func TestTimerSelfDisconnectInCallback(t *testing.T) {
	r := newTestReactor(t)

	var conn Connection
	fired := make(chan struct{})
	c, err := r.Timer(time.Now(), func(time.Time) (time.Time, bool) {
		conn.Disconnect()
		close(fired)
		return time.Time{}, false
	})
	require.NoError(t, err)
	conn = c

	assert.Eventually(t, func() bool {
		r.Dispatch(10*time.Millisecond, 0)
		select {
		case <-fired:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	assert.False(t, conn.IsConnected())
}

func TestTimerRescheduling(t *testing.T) {
	r := newTestReactor(t)

	var fires int32
	_, err := r.Timer(time.Now(), func(now time.Time) (time.Time, bool) {
		n := atomic.AddInt32(&fires, 1)
		if n >= 3 {
			return time.Time{}, false
		}
		return now.Add(5 * time.Millisecond), true
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		r.Dispatch(10*time.Millisecond, 0)
		return atomic.LoadInt32(&fires) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestWatchChildReportsExitStatus(t *testing.T) {
	r := newTestReactor(t)

	// A process that starts and immediately exits 0, grounded in the same
	// "watch a real pid" shape as childproc-monitor_test.cc's fork()+exit().
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start a test child: %v", err)
	}
	pid := cmd.Process.Pid

	statusCh := make(chan int, 1)
	_, err := r.WatchChild(pid, func(status int, _ *unix.Rusage) {
		statusCh <- status
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				r.Dispatch(20*time.Millisecond, 0)
			}
		}
	}()

	select {
	case <-statusCh:
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("child exit was never reported")
	}
}
