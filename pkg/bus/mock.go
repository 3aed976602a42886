package bus

import (
	"sync"
	"time"

	"github.com/Albert245/CanX/pkg/frame"
)

// Mock is the in-process MockCAN loopback adapter (spec §6): Send
// enqueues directly onto its own Recv queue, so a single Mock instance
// models a perfect loopback for unit tests. Two Mocks can be wired
// together with Pipe to model a tester-and-ECU pair on the same bus.
type Mock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []frame.Frame
	closed bool
	peer   *Mock
	sent   []frame.Frame
}

// NewMock returns a loopback adapter: everything Send writes is
// immediately available from Recv.
func NewMock() *Mock {
	m := &Mock{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Pipe wires two Mock adapters so that frames sent on one are received
// on the other — simulating a tester and an ECU sharing a bus, which
// pkg/cantp's and pkg/diag's tests use as their fixture.
func Pipe() (tester, ecu *Mock) {
	tester = NewMock()
	ecu = NewMock()
	tester.peer = ecu
	ecu.peer = tester
	return tester, ecu
}

func (m *Mock) Send(f frame.Frame) error {
	m.mu.Lock()
	m.sent = append(m.sent, f)
	target := m
	if m.peer != nil {
		target = m.peer
	}
	m.mu.Unlock()

	target.mu.Lock()
	if target.closed {
		target.mu.Unlock()
		return nil
	}
	target.queue = append(target.queue, f)
	target.cond.Broadcast()
	target.mu.Unlock()
	return nil
}

func (m *Mock) Recv(timeout time.Duration) (frame.Frame, bool, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		if !time.Now().Before(deadline) {
			return frame.Frame{}, false, nil
		}
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return frame.Frame{}, false, nil
	}
	f := m.queue[0]
	m.queue = m.queue[1:]
	return f, true, nil
}

func (m *Mock) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// Sent returns every frame Send has observed, for test assertions.
func (m *Mock) Sent() []frame.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame.Frame(nil), m.sent...)
}
