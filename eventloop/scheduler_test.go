package eventloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerImmediateOrder(t *testing.T) {
	var s taskScheduler
	var got []int

	for i := 0; i < 10; i++ {
		i := i
		s.scheduleNow(NewTask(func(_ *Task, _ any, _ TaskStatus) {
			got = append(got, i)
		}, nil))
	}
	s.runAll(0)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestSchedulerTimedOrder(t *testing.T) {
	var s taskScheduler
	var got []string

	record := func(name string) *Task {
		return NewTask(func(_ *Task, _ any, _ TaskStatus) {
			got = append(got, name)
		}, nil)
	}

	s.scheduleFuture(record("c"), 50)
	s.scheduleFuture(record("a"), 10)
	s.scheduleFuture(record("b"), 30)
	s.runAll(100)

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSchedulerTimedTieBreaksOnSubmission(t *testing.T) {
	var s taskScheduler
	var got []string

	record := func(name string) *Task {
		return NewTask(func(_ *Task, _ any, _ TaskStatus) {
			got = append(got, name)
		}, nil)
	}

	s.scheduleFuture(record("first"), 20)
	s.scheduleFuture(record("second"), 20)
	s.scheduleFuture(record("third"), 20)
	s.runAll(20)

	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestSchedulerNotDueNotRun(t *testing.T) {
	var s taskScheduler
	ran := false

	s.scheduleFuture(NewTask(func(_ *Task, _ any, _ TaskStatus) {
		ran = true
	}, nil), 100)

	s.runAll(99)
	assert.False(t, ran)

	s.runAll(100)
	assert.True(t, ran)
}

func TestSchedulerImmediateBeforeDueTimers(t *testing.T) {
	var s taskScheduler
	var got []string

	record := func(name string) *Task {
		return NewTask(func(_ *Task, _ any, _ TaskStatus) {
			got = append(got, name)
		}, nil)
	}

	s.scheduleFuture(record("timer"), 1)
	s.scheduleNow(record("now"))
	s.runAll(10)

	assert.Equal(t, []string{"now", "timer"}, got)
}

func TestSchedulerDefersTasksEnqueuedByCallbacks(t *testing.T) {
	var s taskScheduler
	var got []string

	s.scheduleNow(NewTask(func(_ *Task, _ any, _ TaskStatus) {
		got = append(got, "outer")
		s.scheduleNow(NewTask(func(_ *Task, _ any, _ TaskStatus) {
			got = append(got, "inner")
		}, nil))
	}, nil))

	s.runAll(0)
	assert.Equal(t, []string{"outer"}, got)

	s.runAll(0)
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestSchedulerNextDeadline(t *testing.T) {
	var s taskScheduler

	_, ok := s.nextDeadline()
	assert.False(t, ok)

	s.scheduleFuture(NewTask(nil, nil), 500)
	deadline, ok := s.nextDeadline()
	assert.True(t, ok)
	assert.Equal(t, uint64(500), deadline)

	// Immediate work wants to run right away.
	s.scheduleNow(NewTask(nil, nil))
	deadline, ok = s.nextDeadline()
	assert.True(t, ok)
	assert.Equal(t, uint64(0), deadline)
}

func TestSchedulerCancelAll(t *testing.T) {
	var s taskScheduler
	statuses := make(map[string]TaskStatus)

	record := func(name string) *Task {
		return NewTask(func(_ *Task, _ any, status TaskStatus) {
			statuses[name] = status
		}, nil)
	}

	s.scheduleNow(record("now"))
	s.scheduleFuture(record("future"), 1e18)
	s.cancelAll()

	assert.Equal(t, TaskCanceled, statuses["now"])
	assert.Equal(t, TaskCanceled, statuses["future"])

	_, ok := s.nextDeadline()
	assert.False(t, ok)
}
