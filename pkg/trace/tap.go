package trace

import (
	"sync"
	"time"

	"github.com/Albert245/CanX/pkg/frame"
)

// DefaultCapacity is the bounded ring size spec §5 "Trace fanout"
// mandates absent an override.
const DefaultCapacity = 500

// Tap is the bounded trace ring plus its mirrored UI-facing queue
// (spec §5 "Trace fanout"). Both queues evict their oldest entry on
// overflow and count the eviction rather than blocking or growing
// unbounded — unlike the reader's own per-ID queues (spec §9 "Unbounded
// vs bounded buffers"), which deliberately stay unbounded because
// dropping a mid-PDU CF frame corrupts the whole transfer; a trace
// record is a standalone observation, so dropping one loses only
// history, never correctness.
type Tap struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int
	buf      []Record
	dropped  int

	uiCapacity int
	uiBuf      []Record
	uiDropped  int
}

// NewTap constructs a Tap. A capacity of 0 uses DefaultCapacity for
// both the primary and UI queues.
func NewTap(capacity, uiCapacity int) *Tap {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if uiCapacity <= 0 {
		uiCapacity = DefaultCapacity
	}
	t := &Tap{capacity: capacity, uiCapacity: uiCapacity}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *Tap) push(rec Record) {
	t.mu.Lock()
	t.buf = evictAppend(t.buf, rec, t.capacity, &t.dropped)
	t.uiBuf = evictAppend(t.uiBuf, rec, t.uiCapacity, &t.uiDropped)
	t.cond.Broadcast()
	t.mu.Unlock()
}

func evictAppend(q []Record, rec Record, capacity int, dropped *int) []Record {
	if len(q) >= capacity {
		q = q[1:]
		*dropped++
	}
	return append(q, rec)
}

// RecordTX appends a transmitted-frame observation. Intended as the
// scheduler's on_sent hook and the CAN-TP session's send hook.
func (t *Tap) RecordTX(f frame.Frame) {
	t.push(newRecord(f, TX, time.Now()))
}

// RecordRX appends a received-frame observation. Intended as a frame
// reader callback registration.
func (t *Tap) RecordRX(f frame.Frame) {
	t.push(newRecord(f, RX, time.Now()))
}

// Pop dequeues the oldest record from the primary trace queue.
func (t *Tap) Pop() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return Record{}, false
	}
	rec := t.buf[0]
	t.buf = t.buf[1:]
	return rec, true
}

// PopWait dequeues the oldest record from the primary trace queue,
// blocking up to timeout for one to arrive if the queue is empty.
func (t *Tap) PopWait(timeout time.Duration) (Record, bool) {
	deadline := time.Now().Add(timeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()
	for len(t.buf) == 0 {
		if !time.Now().Before(deadline) {
			return Record{}, false
		}
		t.cond.Wait()
	}
	rec := t.buf[0]
	t.buf = t.buf[1:]
	return rec, true
}

// PopUI dequeues the oldest record from the mirrored UI queue,
// independent of the primary queue's drain position.
func (t *Tap) PopUI() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.uiBuf) == 0 {
		return Record{}, false
	}
	rec := t.uiBuf[0]
	t.uiBuf = t.uiBuf[1:]
	return rec, true
}

// Dropped returns the number of primary-queue evictions so far.
func (t *Tap) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// UIDropped returns the number of UI-queue evictions so far.
func (t *Tap) UIDropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uiDropped
}

// Len returns the current primary-queue length.
func (t *Tap) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}
