//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestKqueueScheduleAcrossGoroutines(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Run())

	var buf []byte
	done := make(chan struct{})
	go l.ScheduleTaskNow(NewTask(func(_ *Task, _ any, _ TaskStatus) {
		buf = append(buf, "hello"...)
		close(done)
	}, nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run within 1s")
	}
	assert.Equal(t, "hello", string(buf))
	l.Destroy()
}

func TestKqueueReadWriteFold(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Run())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	// Make one end readable before subscribing; a fresh socket is always
	// writable, so both filters fire in the subscription's first
	// iteration.
	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	handle := &IOHandle{Fd: fds[0]}
	calls := make(chan EventType, 1)
	require.NoError(t, l.SubscribeToIOEvents(handle, EventReadable|EventWritable,
		func(loop *EventLoop, h *IOHandle, events EventType, _ any) {
			select {
			case calls <- events:
				loop.UnsubscribeFromIOEvents(h)
			default:
			}
		}, nil))

	select {
	case events := <-calls:
		assert.Equal(t, EventReadable|EventWritable, events)
	case <-time.After(time.Second):
		t.Fatal("no callback within 1s")
	}

	l.Destroy()
}

func TestKqueuePeerCloseReportsClosed(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Run())

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])

	handle := &IOHandle{Fd: fds[0]}
	calls := make(chan EventType, 1)
	require.NoError(t, l.SubscribeToIOEvents(handle, EventReadable,
		func(loop *EventLoop, h *IOHandle, events EventType, _ any) {
			if events&EventClosed == 0 {
				return
			}
			select {
			case calls <- events:
				loop.UnsubscribeFromIOEvents(h)
			default:
			}
		}, nil))

	require.NoError(t, unix.Close(fds[1]))

	select {
	case events := <-calls:
		assert.NotZero(t, events&EventClosed)
	case <-time.After(time.Second):
		t.Fatal("no closed callback within 1s")
	}

	l.Destroy()
}

func TestKqueueTimerFires(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Run())

	fired := make(chan time.Time, 1)
	deadline := time.Now().Add(20 * time.Millisecond)
	l.ScheduleTaskFuture(NewTask(func(_ *Task, _ any, _ TaskStatus) {
		fired <- time.Now()
	}, nil), uint64(deadline.UnixNano()))

	select {
	case at := <-fired:
		assert.False(t, at.Before(deadline))
	case <-time.After(time.Second):
		t.Fatal("timer did not fire within 1s")
	}

	l.Destroy()
}
