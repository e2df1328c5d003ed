//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package eventloop

import (
	"os"
	"syscall"
	"time"

	"github.com/fzft/go-event-loop/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// New creates an event loop backed by the platform kqueue.
func New() (*EventLoop, error) {
	mux, err := newKqueueMux()
	if err != nil {
		return nil, err
	}
	return newEventLoop(mux, nil)
}

// kqueueMux is the kqueue-backed Multiplexer.
type kqueueMux struct {
	fd      int
	kevents []unix.Kevent_t
}

func newKqueueMux() (*kqueueMux, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		log.Logger.Error("failed to create kqueue", zap.Error(err))
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	return &kqueueMux{fd: fd}, nil
}

func kqueueFilter(f Filter) int {
	if f == FilterWrite {
		return unix.EVFILT_WRITE
	}
	return unix.EVFILT_READ
}

func (k *kqueueMux) AddWithReceipt(changes []Change) ([]Receipt, error) {
	changelist := make([]unix.Kevent_t, len(changes))
	for i, c := range changes {
		unix.SetKevent(&changelist[i], c.Fd, kqueueFilter(c.Filter), unix.EV_ADD|unix.EV_RECEIPT)
	}

	eventlist := make([]unix.Kevent_t, len(changes))
	n, err := unix.Kevent(k.fd, changelist, eventlist, nil)
	if err != nil {
		return nil, os.NewSyscallError("kevent add", err)
	}

	// With EV_RECEIPT every change comes back flagged EV_ERROR in
	// changelist order; a real failure puts the errno in Data.
	receipts := make([]Receipt, n)
	for i := 0; i < n; i++ {
		receipts[i] = Receipt{Change: changes[i], Errno: syscall.Errno(eventlist[i].Data)}
	}
	return receipts, nil
}

func (k *kqueueMux) Delete(changes []Change) {
	changelist := make([]unix.Kevent_t, len(changes))
	for i, c := range changes {
		unix.SetKevent(&changelist[i], c.Fd, kqueueFilter(c.Filter), unix.EV_DELETE)
	}
	if _, err := unix.Kevent(k.fd, changelist, nil, nil); err != nil {
		log.Logger.Debug("kevent delete failed", zap.Error(err))
	}
}

func (k *kqueueMux) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(k.kevents) < len(events) {
		k.kevents = make([]unix.Kevent_t, len(events))
	}

	ts := waitTimespec(timeout)
	n, err := unix.Kevent(k.fd, nil, k.kevents[:len(events)], &ts)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("kevent wait", err)
	}

	for i := 0; i < n; i++ {
		kev := &k.kevents[i]
		ev := Event{Fd: int(kev.Ident), Data: int64(kev.Data)}
		if kev.Filter == unix.EVFILT_WRITE {
			ev.Filter = FilterWrite
		}
		if kev.Flags&unix.EV_ERROR != 0 {
			ev.Err = true
		}
		if kev.Flags&unix.EV_EOF != 0 {
			ev.EOF = true
		}
		events[i] = ev
	}
	return n, nil
}

func (k *kqueueMux) Close() error {
	return os.NewSyscallError("close", unix.Close(k.fd))
}

func waitTimespec(d time.Duration) unix.Timespec {
	if d < 0 {
		d = 0
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	// The seconds field is a C long; clamp rather than overflow.
	if ts.Sec < 0 {
		ts.Sec = 1<<31 - 1
		ts.Nsec = 0
	}
	return ts
}
