package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
)

func constPayload(b ...byte) PayloadFunc {
	return func() []byte { return b }
}

func TestPeriodicCadence(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	_, err := s.AddPeriodic(0x100, 20*time.Millisecond, constPayload(1), TaskOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.Sent()) >= 3
	}, time.Second, time.Millisecond, "periodic task should fire repeatedly")
}

func TestOneShotFiresOnceThenExits(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	task, err := s.AddPeriodic(0x200, 0, constPayload(2), TaskOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.Sent()) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, m.Sent(), 1, "one-shot task must not fire again")

	select {
	case <-task.doneCh:
	case <-time.After(time.Second):
		t.Fatal("one-shot task goroutine should have exited")
	}
}

func TestBurstOnExitedOneShotFiresWithoutReviving(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	task, err := s.AddPeriodic(0x300, 0, constPayload(3), TaskOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.Sent()) == 1
	}, time.Second, time.Millisecond)

	task.TriggerBurst(3, time.Millisecond)
	require.Eventually(t, func() bool {
		return len(m.Sent()) == 4
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, m.Sent(), 4, "burst on an exited one-shot must not revive periodic cadence")
}

func TestPauseStopsSends(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	_, err := s.AddPeriodic(0x400, 10*time.Millisecond, constPayload(4), TaskOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(m.Sent()) >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Pause(0x400))
	n := len(m.Sent())
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, len(m.Sent()), n+1, "paused task should stop advancing")

	require.NoError(t, s.Resume(0x400))
	require.Eventually(t, func() bool { return len(m.Sent()) > n+1 }, time.Second, time.Millisecond)
}

func TestPauseAllAndResumeAll(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	_, err := s.AddPeriodic(0x500, 10*time.Millisecond, constPayload(5), TaskOptions{})
	require.NoError(t, err)
	_, err = s.AddPeriodic(0x501, 10*time.Millisecond, constPayload(6), TaskOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(m.Sent()) >= 2 }, time.Second, time.Millisecond)
	s.PauseAll()
	n := len(m.Sent())
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(m.Sent()), n+2)

	s.ResumeAll()
	require.Eventually(t, func() bool { return len(m.Sent()) > n+2 }, time.Second, time.Millisecond)
}

func TestStopMessageIsIdempotent(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	_, err := s.AddPeriodic(0x600, 10*time.Millisecond, constPayload(7), TaskOptions{})
	require.NoError(t, err)

	require.NoError(t, s.StopMessage(0x600))
	require.NoError(t, s.StopMessage(0x600))
}

func TestOnSentHookInvokedAndPanicContained(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	var calls int32
	_, err := s.AddPeriodic(0x700, 10*time.Millisecond, constPayload(8), TaskOptions{
		OnSent: func(f frame.Frame) {
			atomic.AddInt32(&calls, 1)
			panic("boom")
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, time.Millisecond, "hook panics must not kill the task loop")
}

func TestDeadlineStopsTask(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	task, err := s.AddPeriodic(0x800, 5*time.Millisecond, constPayload(9), TaskOptions{
		Deadline: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	select {
	case <-task.doneCh:
	case <-time.After(time.Second):
		t.Fatal("task should stop once its deadline elapses")
	}
}

func TestAddPeriodicReplacesExistingTask(t *testing.T) {
	m := bus.NewMock()
	s := New(m)
	defer s.Shutdown()

	first, err := s.AddPeriodic(0x900, time.Hour, constPayload(1), TaskOptions{})
	require.NoError(t, err)
	_, err = s.AddPeriodic(0x900, 10*time.Millisecond, constPayload(2), TaskOptions{})
	require.NoError(t, err)

	select {
	case <-first.doneCh:
	case <-time.After(time.Second):
		t.Fatal("replacing a task must stop the old one")
	}
	require.Eventually(t, func() bool { return len(m.Sent()) >= 2 }, time.Second, time.Millisecond)
}
