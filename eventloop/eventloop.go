package eventloop

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-event-loop/log"
	"go.uber.org/zap"
)

const (
	// defaultTimeout caps how long the event goroutine sleeps in the
	// multiplexer when no timer is due sooner.
	defaultTimeout = 100 * time.Second

	// maxEvents is the most kernel events processed per loop iteration.
	maxEvents = 100
)

type lifecycleState int

const (
	stateReadyToRun lifecycleState = iota
	stateRunning
	stateStopping
)

// EventLoop owns one goroutine that blocks in the multiplexer, dispatches
// readiness callbacks to subscribers and runs scheduled tasks. Every
// callback runs on that goroutine and must not block it; the rest of the
// API may be called from any goroutine, including the event goroutine
// itself.
type EventLoop struct {
	clock Clock
	mux   Multiplexer
	pipe  *signalPipe

	// crossThreadData is shared with other goroutines. While the event
	// goroutine is running, the mutex guards every field. Once the
	// goroutine is known joined, lock-free access is permitted; Run and
	// WaitForStopCompletion rely on that.
	crossThreadData struct {
		mu             sync.Mutex
		threadSignaled bool
		tasks          []*Task
		state          lifecycleState
	}

	// threadData may only be touched by the event goroutine while the
	// loop is running. The state field mirrors the cross-thread copy.
	// While the loop runs it leaves running only in drainInbox, which
	// copies the stop request under the mutex; this lets the loop test it
	// without locking. Run and WaitForStopCompletion set it while the
	// goroutine is not running.
	threadData struct {
		scheduler            taskScheduler
		handles              map[int]*handleData
		connectedHandleCount int
		state                lifecycleState
	}

	goroutineID atomic.Uint64
	done        chan struct{}
}

// handleData is the per-subscription record. The facade allocates it, the
// event goroutine installs and mutates it, and the unsubscribe task drops
// it, whether it ran normally or was cancelled during teardown.
type handleData struct {
	owner *IOHandle
	loop  *EventLoop

	onEvent  OnEvent
	userData any

	eventsSubscribed EventType
	eventsThisLoop   EventType
	registered       bool

	subscribeTask   Task
	unsubscribeTask Task
}

// newEventLoop wires a multiplexer, a signal pipe and a clock together.
// Ownership of mux transfers to the loop even on error.
func newEventLoop(mux Multiplexer, clock Clock) (*EventLoop, error) {
	if clock == nil {
		clock = defaultClock
	}

	pipe, err := openSignalPipe()
	if err != nil {
		mux.Close()
		return nil, err
	}

	l := &EventLoop{
		clock: clock,
		mux:   mux,
		pipe:  pipe,
	}
	l.threadData.handles = make(map[int]*handleData)

	receipts, err := mux.AddWithReceipt([]Change{{Fd: pipe.r, Filter: FilterRead}})
	if err == nil {
		for _, r := range receipts {
			if r.Failed() {
				err = r.Errno
			}
		}
	}
	if err != nil {
		pipe.Close()
		mux.Close()
		return nil, fmt.Errorf("register signal pipe: %w", err)
	}
	return l, nil
}

// Run starts the event goroutine, moving the loop from ready to running.
// To run again after a stop, call Stop and WaitForStopCompletion first.
func (l *EventLoop) Run() error {
	// The goroutine is not running in the ready state, so both state
	// copies can be read without the mutex.
	if l.crossThreadData.state != stateReadyToRun || l.threadData.state != stateReadyToRun {
		return ErrAlreadyRunning
	}

	l.crossThreadData.state = stateRunning
	l.threadData.state = stateRunning
	l.done = make(chan struct{})
	go l.threadMain()
	return nil
}

// Stop asks the event goroutine to exit at its next loop test. It does not
// wait; see WaitForStopCompletion. Safe from any goroutine, idempotent,
// and a no-op unless the loop is running.
func (l *EventLoop) Stop() {
	signalThread := false

	l.crossThreadData.mu.Lock()
	if l.crossThreadData.state == stateRunning {
		l.crossThreadData.state = stateStopping
		signalThread = !l.crossThreadData.threadSignaled
		l.crossThreadData.threadSignaled = true
	}
	l.crossThreadData.mu.Unlock()

	if signalThread {
		l.pipe.signal()
	}
}

// WaitForStopCompletion blocks until the event goroutine exits, then
// returns both state copies to ready so the loop can run again. Stop must
// have been called first.
func (l *EventLoop) WaitForStopCompletion() error {
	l.crossThreadData.mu.Lock()
	state := l.crossThreadData.state
	l.crossThreadData.mu.Unlock()
	if state == stateRunning {
		return ErrStillRunning
	}

	if l.done != nil {
		<-l.done
	}

	// The goroutine has exited; lock-free access is safe again.
	l.crossThreadData.state = stateReadyToRun
	l.threadData.state = stateReadyToRun
	return nil
}

// ScheduleTaskNow runs task on the event goroutine as soon as possible.
// Tasks submitted by one goroutine run in submission order.
func (l *EventLoop) ScheduleTaskNow(task *Task) {
	l.scheduleCommon(task, 0)
}

// ScheduleTaskFuture runs task at or after the absolute deadline in
// nanoseconds, measured by the loop's clock.
func (l *EventLoop) ScheduleTaskFuture(task *Task, runAtNanos uint64) {
	l.scheduleCommon(task, runAtNanos)
}

func (l *EventLoop) scheduleCommon(task *Task, runAtNanos uint64) {
	// On the event goroutine there is nothing to hand off; the scheduler
	// is ours.
	if l.IsOnCallersThread() {
		if runAtNanos == 0 {
			l.threadData.scheduler.scheduleNow(task)
		} else {
			l.threadData.scheduler.scheduleFuture(task, runAtNanos)
		}
		return
	}

	task.runAtNanos = runAtNanos
	signalThread := false

	l.crossThreadData.mu.Lock()
	l.crossThreadData.tasks = append(l.crossThreadData.tasks, task)
	if !l.crossThreadData.threadSignaled {
		signalThread = true
		l.crossThreadData.threadSignaled = true
	}
	l.crossThreadData.mu.Unlock()

	if signalThread {
		l.pipe.signal()
	}
}

// SubscribeToIOEvents registers handle for readiness callbacks. The kernel
// registration happens on the event goroutine so that the two per-filter
// registrations take effect atomically; a registration failure is reported
// through a single EventError callback, after which the caller must still
// unsubscribe to release the record.
func (l *EventLoop) SubscribeToIOEvents(handle *IOHandle, events EventType, onEvent OnEvent, userData any) error {
	if handle == nil || handle.Fd < 0 || handle.sub != nil || onEvent == nil ||
		events&(EventReadable|EventWritable) == 0 {
		log.Logger.DPanic("invalid io event subscription")
		return ErrInvalidSubscription
	}

	hd := &handleData{
		owner:            handle,
		loop:             l,
		onEvent:          onEvent,
		userData:         userData,
		eventsSubscribed: events,
	}
	hd.subscribeTask = Task{fn: runSubscribeTask, arg: hd}
	handle.sub = hd

	l.ScheduleTaskNow(&hd.subscribeTask)
	return nil
}

// UnsubscribeFromIOEvents detaches handle's subscription and schedules the
// kernel deregistration. The callback may still fire once more for events
// already delivered in the current loop iteration.
func (l *EventLoop) UnsubscribeFromIOEvents(handle *IOHandle) {
	hd := handle.sub
	if hd == nil {
		log.Logger.DPanic("unsubscribe of a handle that is not subscribed", zap.Int("fd", handle.Fd))
		return
	}
	handle.sub = nil

	hd.unsubscribeTask = Task{fn: runUnsubscribeTask, arg: hd}
	l.ScheduleTaskNow(&hd.unsubscribeTask)
}

func (hd *handleData) changes() []Change {
	changes := make([]Change, 0, 2)
	if hd.eventsSubscribed&EventReadable != 0 {
		changes = append(changes, Change{Fd: hd.owner.Fd, Filter: FilterRead})
	}
	if hd.eventsSubscribed&EventWritable != 0 {
		changes = append(changes, Change{Fd: hd.owner.Fd, Filter: FilterWrite})
	}
	return changes
}

// runSubscribeTask connects a handle with the multiplexer, on the event
// goroutine. Read and write are separate kernel registrations; submitting
// with receipts makes a half-failed pair detectable so the surviving half
// can be deleted before any of its events are observable.
func runSubscribeTask(_ *Task, arg any, status TaskStatus) {
	hd := arg.(*handleData)
	l := hd.loop

	l.threadData.connectedHandleCount++

	if status == TaskCanceled {
		return
	}

	receipts, err := l.mux.AddWithReceipt(hd.changes())
	failed := err != nil
	for _, r := range receipts {
		if r.Failed() {
			failed = true
			if err == nil {
				err = r.Errno
			}
		}
	}

	if !failed {
		hd.registered = true
		l.threadData.handles[hd.owner.Fd] = hd
		return
	}

	// Roll back whichever registrations took.
	var rollback []Change
	for _, r := range receipts {
		if !r.Failed() {
			rollback = append(rollback, r.Change)
		}
	}
	if len(rollback) > 0 {
		l.mux.Delete(rollback)
	}
	hd.registered = false

	log.Logger.Error("io event subscription failed", zap.Int("fd", hd.owner.Fd), zap.Error(err))
	hd.onEvent(l, hd.owner, EventError, hd.userData)
}

// runUnsubscribeTask undoes runSubscribeTask. The record is dropped even
// when the task is cancelled.
func runUnsubscribeTask(_ *Task, arg any, status TaskStatus) {
	hd := arg.(*handleData)
	l := hd.loop

	l.threadData.connectedHandleCount--

	if status == TaskRunReady && hd.registered {
		l.mux.Delete(hd.changes())
	}

	if l.threadData.handles[hd.owner.Fd] == hd {
		delete(l.threadData.handles, hd.owner.Fd)
	}
	hd.registered = false
}

// IsOnCallersThread reports whether the caller is running on the loop's
// event goroutine.
func (l *EventLoop) IsOnCallersThread() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// Destroy stops the loop, joins the event goroutine, cancels every task
// that has not run and releases kernel resources. All subscriptions must
// have been unsubscribed by then.
func (l *EventLoop) Destroy() {
	l.Stop()
	if err := l.WaitForStopCompletion(); err != nil {
		log.Logger.DPanic("destroying a loop that has not stopped", zap.Error(err))
		return
	}

	// Cancelled scheduler tasks may enqueue further tasks, which land in
	// the inbox; drain it last. The goroutine is joined, so the inbox can
	// be walked without the mutex.
	l.threadData.scheduler.cancelAll()
	for len(l.crossThreadData.tasks) > 0 {
		t := l.crossThreadData.tasks[0]
		l.crossThreadData.tasks = l.crossThreadData.tasks[1:]
		t.run(TaskCanceled)
	}

	if n := l.threadData.connectedHandleCount; n != 0 {
		log.Logger.DPanic("destroying a loop with live io subscriptions", zap.Int("count", n))
	}

	l.mux.Delete([]Change{{Fd: l.pipe.r, Filter: FilterRead}})
	if err := l.pipe.Close(); err != nil {
		log.Logger.Warn("signal pipe close failed", zap.Error(err))
	}
	if err := l.mux.Close(); err != nil {
		log.Logger.Warn("multiplexer close failed", zap.Error(err))
	}
}

func (l *EventLoop) threadMain() {
	defer close(l.done)

	l.goroutineID.Store(currentGoroutineID())
	defer l.goroutineID.Store(0)

	l.threadData.state = stateRunning

	events := make([]Event, maxEvents)
	// One handle surfaces as two kernel events when subscribed for both
	// filters; fold them into a single callback per iteration.
	readyHandles := make([]*handleData, 0, maxEvents)

	timeout := defaultTimeout

	for l.threadData.state == stateRunning {
		n, err := l.mux.Wait(events, timeout)

		shouldDrainInbox := false
		if err != nil {
			// Not fatal: scheduled tasks can still run, and the inbox may
			// hold the stop request.
			log.Logger.Error("multiplexer wait failed", zap.Error(err))
			shouldDrainInbox = true
			n = 0
		}

		readyHandles = readyHandles[:0]
		for i := 0; i < n; i++ {
			ev := &events[i]

			if ev.Fd == l.pipe.r {
				shouldDrainInbox = true
				l.pipe.drain()
				continue
			}

			flags := eventFlags(ev)
			if flags == 0 {
				continue
			}
			hd := l.threadData.handles[ev.Fd]
			if hd == nil {
				continue
			}
			if hd.eventsThisLoop == 0 {
				readyHandles = append(readyHandles, hd)
			}
			hd.eventsThisLoop |= flags
		}

		for _, hd := range readyHandles {
			hd.onEvent(l, hd.owner, hd.eventsThisLoop, hd.userData)
			hd.eventsThisLoop = 0
		}

		// Callbacks ran first so that anything they enqueued or
		// re-registered is observed by the next iteration, not this one.
		if shouldDrainInbox {
			l.drainInbox()
		}

		now, err := l.clock()
		if err != nil {
			now = 0 // a failed clock reads as zero; timed tasks wait for the next pass
		}
		l.threadData.scheduler.runAll(now)

		timeout = l.nextTimeout()
	}
}

// eventFlags translates one kernel event into subscriber flags. A closed
// peer may be paired with data readiness in the same event.
func eventFlags(ev *Event) EventType {
	var flags EventType
	switch {
	case ev.Err:
		flags |= EventError
	case ev.Filter == FilterRead:
		if ev.Data != 0 {
			flags |= EventReadable
		}
		if ev.EOF {
			flags |= EventClosed
		}
	case ev.Filter == FilterWrite:
		if ev.Data != 0 {
			flags |= EventWritable
		}
		if ev.EOF {
			flags |= EventClosed
		}
	}
	return flags
}

// drainInbox moves pending cross-thread tasks into the scheduler and
// propagates a stop request into the thread-private state. This is the
// only place the thread-private state leaves running.
func (l *EventLoop) drainInbox() {
	var tasks []*Task

	l.crossThreadData.mu.Lock()
	l.crossThreadData.threadSignaled = false
	if l.crossThreadData.state == stateStopping && l.threadData.state == stateRunning {
		l.threadData.state = stateStopping
	}
	tasks, l.crossThreadData.tasks = l.crossThreadData.tasks, nil
	l.crossThreadData.mu.Unlock()

	for _, t := range tasks {
		if t.runAtNanos == 0 {
			l.threadData.scheduler.scheduleNow(t)
		} else {
			l.threadData.scheduler.scheduleFuture(t, t.runAtNanos)
		}
	}
}

// nextTimeout derives the multiplexer timeout from the scheduler's nearest
// deadline, capped at the default.
func (l *EventLoop) nextTimeout() time.Duration {
	now, err := l.clock()
	if err != nil {
		return defaultTimeout
	}
	deadline, ok := l.threadData.scheduler.nextDeadline()
	if !ok {
		return defaultTimeout
	}
	if deadline <= now {
		return 0
	}
	d := time.Duration(deadline - now)
	if d < 0 || d > defaultTimeout {
		return defaultTimeout
	}
	return d
}
