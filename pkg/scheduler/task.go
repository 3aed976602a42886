package scheduler

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
)

// Task is one scheduled message. Construct through Scheduler.AddPeriodic;
// the zero value is not usable.
type Task struct {
	id         frame.ID
	period     time.Duration
	getPayload PayloadFunc
	isFD       bool
	isExtended bool
	onSent     SentHook
	deadlineAt time.Time // zero means no deadline

	adapter bus.Adapter
	logger  *log.Logger

	mu        sync.Mutex
	pauseCond *sync.Cond
	running   bool
	paused    bool
	nextFire  time.Time
	burstN    int
	burstGap  time.Duration

	wakeCh chan struct{}
	pokeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newTask(id frame.ID, period time.Duration, getPayload PayloadFunc, opts TaskOptions, adapter bus.Adapter, logger *log.Logger) *Task {
	t := &Task{
		id:         id,
		period:     period,
		getPayload: getPayload,
		isFD:       opts.IsFD,
		isExtended: opts.IsExtended,
		onSent:     opts.OnSent,
		adapter:    adapter,
		logger:     logger,
		wakeCh:     make(chan struct{}, 1),
		pokeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if opts.Deadline > 0 {
		t.deadlineAt = time.Now().Add(opts.Deadline)
	}
	t.pauseCond = sync.NewCond(&t.mu)
	return t
}

func (t *Task) start() {
	t.mu.Lock()
	t.running = true
	t.nextFire = time.Now()
	t.mu.Unlock()
	go t.run()
}

// Stop ends the task's goroutine. Idempotent.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()
	close(t.stopCh)
	t.pauseCond.Broadcast()
	<-t.doneCh
}

// Pause suspends the task's periodic cadence until Resume is called.
func (t *Task) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	t.poke()
}

// Resume resumes a paused task; a no-op if it was not paused.
func (t *Task) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.pauseCond.Broadcast()
	t.poke()
}

func (t *Task) poke() {
	select {
	case t.pokeCh <- struct{}{}:
	default:
	}
}

// TriggerBurst overlays count extra sends spaced by spacing. If the task
// is a one-shot (period == 0) that has already exited, the burst fires
// immediately without reviving the task (spec §4.D).
func (t *Task) TriggerBurst(count int, spacing time.Duration) {
	if count <= 0 {
		return
	}
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		t.fireBurst(count, spacing)
		return
	}
	t.mu.Lock()
	t.burstN = count
	t.burstGap = spacing
	t.mu.Unlock()
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *Task) run() {
	defer close(t.doneCh)

	if t.period == 0 {
		t.fireOnce()
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return
	}

	for {
		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			return
		}
		if !t.deadlineAt.IsZero() && time.Now().After(t.deadlineAt) {
			t.running = false
			t.mu.Unlock()
			return
		}
		for t.paused && t.running {
			t.pauseCond.Wait()
		}
		if !t.running {
			t.mu.Unlock()
			return
		}
		wait := time.Until(t.nextFire)
		t.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-t.stopCh:
			timer.Stop()
			return
		case <-t.pokeCh:
			timer.Stop()
			continue
		case <-t.wakeCh:
			timer.Stop()
			t.mu.Lock()
			n, gap := t.burstN, t.burstGap
			t.burstN = 0
			t.mu.Unlock()
			t.fireBurst(n, gap)
			t.mu.Lock()
			t.nextFire = t.nextFire.Add(t.period)
			t.mu.Unlock()
		case <-timer.C:
			t.mu.Lock()
			if t.paused {
				t.mu.Unlock()
				continue
			}
			t.mu.Unlock()
			t.fireOnce()
			t.mu.Lock()
			t.nextFire = t.nextFire.Add(t.period)
			t.mu.Unlock()
		}
	}
}

func (t *Task) fireOnce() {
	payload := t.getPayload()
	f := frame.Frame{
		ID:       t.id,
		Extended: t.isExtended,
		FD:       t.isFD,
		Data:     payload,
	}
	if err := t.adapter.Send(f); err != nil {
		t.logger.Errorf("[SCHEDULER] send failed for id %s: %v", t.id, err)
		return
	}
	t.invokeOnSent(f)
}

func (t *Task) fireBurst(count int, spacing time.Duration) {
	for i := 0; i < count; i++ {
		if i > 0 && spacing > 0 {
			time.Sleep(spacing)
		}
		t.fireOnce()
	}
}

func (t *Task) invokeOnSent(f frame.Frame) {
	if t.onSent == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Errorf("[SCHEDULER] on_sent panic for id %s: %v", t.id, rec)
		}
	}()
	t.onSent(f)
}
