//go:build unix

package eventloop

import (
	"os"

	"github.com/fzft/go-event-loop/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// signalPipe wakes the event goroutine out of the multiplexer. Its read
// end is registered with the readable filter; any write on the other end
// causes a wake.
type signalPipe struct {
	r, w int
}

func openSignalPipe() (*signalPipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, os.NewSyscallError("fcntl", err)
		}
	}
	return &signalPipe{r: fds[0], w: fds[1]}, nil
}

// signal writes one byte; the value does not matter. A full pipe means a
// prior write is still unread and the wake is already guaranteed.
func (p *signalPipe) signal() {
	if _, err := unix.Write(p.w, []byte{1}); err != nil && err != unix.EAGAIN {
		log.Logger.DPanic("signal pipe write failed", zap.Error(err))
	}
}

// drain empties the read end so the next write produces a fresh wake.
func (p *signalPipe) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *signalPipe) Close() error {
	return multierr.Append(
		os.NewSyscallError("close", unix.Close(p.r)),
		os.NewSyscallError("close", unix.Close(p.w)))
}
