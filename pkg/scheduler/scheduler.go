// Package scheduler implements the frame scheduler (spec §4.D): one
// task per periodic message id, with pause/resume, a duration deadline,
// a burst overlay, and one-shot mode.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
)

// PayloadFunc produces the next payload to send for a task, either a
// snapshot of the last non-DBC raw payload or a pkg/dbc GetPayload
// invocation. The scheduler never owns signal state — it only calls
// this closure (spec §4.D "Payload source").
type PayloadFunc func() []byte

// SentHook is invoked after a successful send; a returning panic or any
// error it might cause is swallowed (spec §4.D "TX hook").
type SentHook func(frame.Frame)

// Scheduler owns one Task per active periodic message id.
type Scheduler struct {
	adapter bus.Adapter
	logger  *log.Logger

	mu    sync.Mutex
	tasks map[frame.ID]*Task
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithLogger overrides the package-default logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New constructs a Scheduler sending over adapter.
func New(adapter bus.Adapter, opts ...Option) *Scheduler {
	s := &Scheduler{
		adapter: adapter,
		logger:  log.StandardLogger(),
		tasks:   make(map[frame.ID]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TaskOptions configures an individual scheduled message.
type TaskOptions struct {
	IsFD       bool
	IsExtended bool
	Deadline   time.Duration // zero means no deadline
	OnSent     SentHook
}

// AddPeriodic creates and starts a task for rawID. period == 0 creates a
// one-shot task that fires exactly once.
func (s *Scheduler) AddPeriodic(rawID any, period time.Duration, getPayload PayloadFunc, opts TaskOptions) (*Task, error) {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return nil, err
	}
	if getPayload == nil {
		return nil, fmt.Errorf("scheduler: getPayload must not be nil")
	}

	t := newTask(id, period, getPayload, opts, s.adapter, s.logger)

	s.mu.Lock()
	if existing, ok := s.tasks[id]; ok {
		s.mu.Unlock()
		existing.Stop()
	} else {
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	t.start()
	return t, nil
}

func (s *Scheduler) lookup(rawID any) (*Task, error) {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: no task for id %s", id)
	}
	return t, nil
}

// StopMessage stops the task for rawID. Double-stop is a no-op (spec §7).
func (s *Scheduler) StopMessage(rawID any) error {
	t, err := s.lookup(rawID)
	if err != nil {
		return err
	}
	t.Stop()
	return nil
}

// Pause pauses a single task's periodic cadence.
func (s *Scheduler) Pause(rawID any) error {
	t, err := s.lookup(rawID)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

// Resume resumes a single previously-paused task.
func (s *Scheduler) Resume(rawID any) error {
	t, err := s.lookup(rawID)
	if err != nil {
		return err
	}
	t.Resume()
	return nil
}

// PauseAll pauses every active task (spec §9 disambiguates the source's
// undefined-variable bug into two first-class operations).
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.Pause()
	}
}

// ResumeAll resumes every active task.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.Resume()
	}
}

// TriggerBurst triggers a burst overlay on the task for rawID.
func (s *Scheduler) TriggerBurst(rawID any, count int, spacing time.Duration) error {
	t, err := s.lookup(rawID)
	if err != nil {
		return err
	}
	t.TriggerBurst(count, spacing)
	return nil
}

// Shutdown stops every managed task.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}
