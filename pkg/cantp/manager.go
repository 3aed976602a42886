package cantp

import (
	"sync"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
	"github.com/Albert245/CanX/pkg/reader"
)

// Manager holds the (ecu_id, tester_id) → Session mapping, lazily
// creating sessions (spec §4.E "Session manager").
type Manager struct {
	rd      *reader.Reader
	adapter bus.Adapter
	opts    []Option

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager whose sessions read via rd and write
// via adapter. opts apply to every session the manager creates.
func NewManager(rd *reader.Reader, adapter bus.Adapter, opts ...Option) *Manager {
	return &Manager{
		rd:       rd,
		adapter:  adapter,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for (ecuID, testerID), creating and
// subscribing it on first use.
func (m *Manager) Get(ecuID, testerID any, extraOpts ...Option) (*Session, error) {
	eid, err := frame.ParseID(ecuID)
	if err != nil {
		return nil, err
	}
	tid, err := frame.ParseID(testerID)
	if err != nil {
		return nil, err
	}

	opts := append(append([]Option(nil), m.opts...), extraOpts...)
	candidate := newSession(m.rd, m.adapter, eid, tid, opts...)
	key := candidate.key()

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[key] = candidate
	m.mu.Unlock()

	if err := candidate.start(); err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return nil, err
	}
	return candidate, nil
}

// Close closes and forgets a single session, if present.
func (m *Manager) Close(ecuID, testerID any) error {
	eid, err := frame.ParseID(ecuID)
	if err != nil {
		return err
	}
	tid, err := frame.ParseID(testerID)
	if err != nil {
		return err
	}
	probe := &Session{ecuID: eid, testerID: tid}
	key := probe.key()

	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return nil
}

// Shutdown closes every session the manager has created, unsubscribing
// all of their listeners.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
