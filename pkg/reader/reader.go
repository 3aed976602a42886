// Package reader implements the frame-reader core (spec §4.C): a
// blocking receive loop that fans every inbound frame out to a default
// queue, per-ID queues, named per-subscriber queues, and registered
// callbacks, plus a stale-queue reaper.
package reader

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
)

// ErrInvalidID is returned by any entry point given a value frame.ParseID
// rejects.
var ErrInvalidID = frame.ErrInvalidID

// Callback is invoked once per received frame for every id it is
// registered against. Panics and errors inside a callback are caught
// and logged — they never stop the reader (spec §7 "Callback").
type Callback func(frame.Frame)

const (
	// DefaultTimeout is the per-id staleness window the reaper enforces
	// absent an explicit override (spec §3).
	DefaultTimeout = 30 * time.Second
	// ReapInterval is how often the reaper wakes (spec §4.C).
	ReapInterval = 5 * time.Second
	// recvPoll bounds each blocking bus.Recv call so Stop becomes
	// visible promptly (spec §5 "Cancellation").
	recvPoll = 10 * time.Second
)

type idState struct {
	cond     *sync.Cond
	queue    []frame.Frame
	named    map[string][]frame.Frame
	latest   *frame.Frame
	lastSeen time.Time

	// callbacks holds subscribers that registered without a named
	// queue; namedCallbacks holds one callback per named queue, keyed
	// the same way so Unsubscribe(id, name) can drop exactly that
	// subscriber's callback without disturbing anyone else's — this is
	// what lets two independent named subscribers (e.g. two CAN-TP
	// sessions sharing a listen id) register and tear down in
	// isolation (spec §9 "Aliasing across subscribers").
	callbacks      []Callback
	namedCallbacks map[string]Callback

	subscribed bool
}

// Reader is the fanout core. Zero value is not usable; construct with New.
type Reader struct {
	adapter        bus.Adapter
	logger         *log.Logger
	defaultTimeout time.Duration
	reapInterval   time.Duration

	mapMu sync.Mutex
	ids   map[frame.ID]*idState

	defMu    sync.Mutex
	defCond  *sync.Cond
	defQueue []frame.Frame

	globalMu        sync.Mutex
	globalCallbacks []Callback

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Option configures a Reader at construction.
type Option func(*Reader)

// WithLogger overrides the package-default logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// WithDefaultTimeout overrides the per-id staleness window the reaper uses.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Reader) { r.defaultTimeout = d }
}

// WithReapInterval overrides how often the stale-queue reaper wakes,
// in place of the package-default ReapInterval.
func WithReapInterval(d time.Duration) Option {
	return func(r *Reader) { r.reapInterval = d }
}

// New constructs a Reader over adapter. Call Start to begin the receive
// and reaper loops.
func New(adapter bus.Adapter, opts ...Option) *Reader {
	r := &Reader{
		adapter:        adapter,
		logger:         log.StandardLogger(),
		defaultTimeout: DefaultTimeout,
		reapInterval:   ReapInterval,
		ids:            make(map[frame.ID]*idState),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	r.defCond = sync.NewCond(&r.defMu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) state(id frame.ID) *idState {
	st, ok := r.ids[id]
	if !ok {
		st = &idState{named: make(map[string][]frame.Frame), namedCallbacks: make(map[string]Callback)}
		st.cond = sync.NewCond(&r.mapMu)
		r.ids[id] = st
	}
	return st
}

// Start launches the blocking receive loop and the stale-queue reaper as
// background goroutines.
func (r *Reader) Start() {
	go r.receiveLoop()
	go r.reapLoop()
}

// Stop signals both background loops to exit. It does not shut down the
// underlying adapter — callers own that lifecycle.
func (r *Reader) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Reader) receiveLoop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		f, ok, err := r.adapter.Recv(recvPoll)
		if err != nil {
			r.logger.Errorf("[READER] bus recv error: %v", err)
			continue
		}
		if !ok {
			continue
		}
		r.handle(f)
	}
}

// OnFrame registers cb to be invoked for every frame the reader
// receives, regardless of id — the unfiltered RX tap point SPEC_FULL.md
// wires the trace tap into, distinct from Subscribe's per-id callbacks.
func (r *Reader) OnFrame(cb Callback) {
	r.globalMu.Lock()
	r.globalCallbacks = append(r.globalCallbacks, cb)
	r.globalMu.Unlock()
}

func (r *Reader) handle(f frame.Frame) {
	now := time.Now()
	var cbs []Callback

	r.globalMu.Lock()
	cbs = append(cbs, r.globalCallbacks...)
	r.globalMu.Unlock()

	r.mapMu.Lock()
	st := r.state(f.ID)
	cp := f
	st.latest = &cp
	st.lastSeen = now
	st.queue = append(st.queue, f)
	for name, q := range st.named {
		st.named[name] = append(q, f)
	}
	if len(st.named) > 0 {
		st.cond.Broadcast()
	}
	if st.subscribed {
		cbs = append(cbs, st.callbacks...)
		for _, cb := range st.namedCallbacks {
			cbs = append(cbs, cb)
		}
	}
	r.mapMu.Unlock()

	// Holding mapMu across the default-queue push or callback
	// invocation is forbidden (spec §4.C) to avoid deadlocking against
	// concurrent Subscribe/Unsubscribe calls.
	r.defMu.Lock()
	r.defQueue = append(r.defQueue, f)
	r.defCond.Broadcast()
	r.defMu.Unlock()

	for _, cb := range cbs {
		r.invokeCallback(cb, f)
	}
}

func (r *Reader) invokeCallback(cb Callback, f frame.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("[READER] callback panic for id %s: %v", f.ID, rec)
		}
	}()
	cb(f)
}

func (r *Reader) reapLoop() {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Reader) reapOnce() {
	now := time.Now()
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	for id, st := range r.ids {
		if now.Sub(st.lastSeen) <= r.defaultTimeout {
			continue
		}
		if st.subscribed {
			// Never drop buffers for actively subscribed ids: clear
			// them but keep the id registered.
			st.queue = nil
			for name := range st.named {
				st.named[name] = nil
			}
			st.latest = nil
		} else {
			delete(r.ids, id)
		}
	}
}

// Subscribe registers membership for id. If queueName is non-empty, a
// fresh (cleared, even on re-subscribe) named buffer is created for id,
// and callback — if non-nil — is registered under that name so a later
// Unsubscribe(id, queueName) removes exactly this subscriber without
// disturbing any other named or anonymous subscriber on the same id
// (spec §9 "Aliasing across subscribers"). If queueName is empty,
// callback is appended to the anonymous list instead, and can only be
// cleared in bulk via Unsubscribe(id, "").
func (r *Reader) Subscribe(rawID any, callback Callback, queueName string) error {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return err
	}
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	st := r.state(id)
	st.subscribed = true
	if queueName != "" {
		// Freshness guarantee: re-subscribing never reuses a stale buffer.
		st.named[queueName] = nil
		if callback != nil {
			st.namedCallbacks[queueName] = callback
		} else {
			delete(st.namedCallbacks, queueName)
		}
	} else if callback != nil {
		st.callbacks = append(st.callbacks, callback)
	}
	return nil
}

// Unsubscribe removes the named buffer and its callback for (id,
// queueName) if queueName is non-empty, otherwise drops the default
// per-id buffer and every anonymous callback. Either way latest[id] is
// cleared.
func (r *Reader) Unsubscribe(rawID any, queueName string) error {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return err
	}
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	st, ok := r.ids[id]
	if !ok {
		return nil
	}
	st.latest = nil
	if queueName != "" {
		delete(st.named, queueName)
		delete(st.namedCallbacks, queueName)
	} else {
		st.queue = nil
		st.subscribed = false
		st.callbacks = nil
	}
	return nil
}

// GetFromDefault pops the oldest frame from the default queue.
// Non-blocking when timeout is zero; otherwise blocks up to timeout.
func (r *Reader) GetFromDefault(timeout time.Duration) (frame.Frame, bool) {
	deadline := time.Now().Add(timeout)
	r.defMu.Lock()
	defer r.defMu.Unlock()
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			r.defMu.Lock()
			r.defCond.Broadcast()
			r.defMu.Unlock()
		})
		defer timer.Stop()
		for len(r.defQueue) == 0 {
			if !time.Now().Before(deadline) {
				return frame.Frame{}, false
			}
			r.defCond.Wait()
		}
	}
	if len(r.defQueue) == 0 {
		return frame.Frame{}, false
	}
	f := r.defQueue[0]
	r.defQueue = r.defQueue[1:]
	return f, true
}

// GetFromID pops (or, if peek, inspects without removing) the head of
// id's buffer: the named buffer if queueName is non-empty, otherwise the
// per-id buffer. Returns false if empty or the id is unknown.
func (r *Reader) GetFromID(rawID any, queueName string, peek bool) (frame.Frame, bool, error) {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return frame.Frame{}, false, err
	}
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	st, ok := r.ids[id]
	if !ok {
		return frame.Frame{}, false, nil
	}
	var q []frame.Frame
	if queueName != "" {
		q = st.named[queueName]
	} else {
		q = st.queue
	}
	if len(q) == 0 {
		return frame.Frame{}, false, nil
	}
	f := q[0]
	if !peek {
		q = q[1:]
		if queueName != "" {
			st.named[queueName] = q
		} else {
			st.queue = q
		}
	}
	return f, true, nil
}

// Latest returns the most recently received frame for id, if any.
func (r *Reader) Latest(rawID any) (frame.Frame, bool, error) {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return frame.Frame{}, false, err
	}
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	st, ok := r.ids[id]
	if !ok || st.latest == nil {
		return frame.Frame{}, false, nil
	}
	return *st.latest, true, nil
}

// WaitFor polls id's per-id (non-named) queue at ≥1ms granularity until a
// frame arrives or timeout elapses (spec §4.C).
func (r *Reader) WaitFor(rawID any, timeout time.Duration) (frame.Frame, bool, error) {
	if _, err := frame.ParseID(rawID); err != nil {
		return frame.Frame{}, false, err
	}
	deadline := time.Now().Add(timeout)
	for {
		f, ok, err := r.GetFromID(rawID, "", false)
		if err != nil || ok {
			return f, ok, err
		}
		if !time.Now().Before(deadline) {
			return frame.Frame{}, false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// ErrNamedQueueTimeout is returned by WaitForNamed when the deadline
// elapses with no frame delivered.
var ErrNamedQueueTimeout = errors.New("reader: named queue wait timed out")

// WaitForNamed blocks on id's named queue using a condition-variable
// wait rather than polling (spec §5 "condition signals per-named-queue").
// pkg/cantp sessions do not call it: they keep their own callback-fed RX
// buffer with the same cond-wait pattern.
func (r *Reader) WaitForNamed(rawID any, queueName string, timeout time.Duration) (frame.Frame, error) {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return frame.Frame{}, err
	}
	deadline := time.Now().Add(timeout)
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	st := r.state(id)
	if _, ok := st.named[queueName]; !ok {
		st.named[queueName] = nil
	}
	timer := time.AfterFunc(timeout, func() {
		r.mapMu.Lock()
		st.cond.Broadcast()
		r.mapMu.Unlock()
	})
	defer timer.Stop()
	for len(st.named[queueName]) == 0 {
		if !time.Now().Before(deadline) {
			return frame.Frame{}, ErrNamedQueueTimeout
		}
		st.cond.Wait()
	}
	q := st.named[queueName]
	f := q[0]
	st.named[queueName] = q[1:]
	return f, nil
}
