package eventloop

import "time"

// Clock returns an absolute timestamp in nanoseconds. Task deadlines are
// expressed against the same clock.
type Clock func() (uint64, error)

func defaultClock() (uint64, error) {
	return uint64(time.Now().UnixNano()), nil
}
