package cantp

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
	"github.com/Albert245/CanX/pkg/reader"
)

// DefaultFlowControlTimeout is the wait bound for an FC frame absent an
// explicit override (spec §4.E "Send algorithm").
const DefaultFlowControlTimeout = time.Second

// Session is a single (ECU, tester) CAN-TP channel. Frames the session
// sends carry the ECU id; the session subscribes to the tester id to
// receive responses and flow control (spec §4.E, §3 "TP Session").
//
// Construct with a Manager rather than directly so the session's
// lifecycle is tracked for Shutdown.
type Session struct {
	ecuID, testerID    frame.ID
	chunkLength        int
	paddingByte        byte
	flowControlTimeout time.Duration
	rxFlow             FlowControl
	strict             bool

	adapter bus.Adapter
	rd      *reader.Reader
	onSend  func(frame.Frame)

	queueName string

	txMu sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	rxQueue [][]byte
	closed  bool
}

// Option configures a Session at construction.
type Option func(*Session)

// WithChunkLength sets the per-frame payload chunk size: 8 (classical)
// or 64 (CAN-FD). Default 8.
func WithChunkLength(n int) Option {
	return func(s *Session) { s.chunkLength = n }
}

// WithPaddingByte sets the fill byte used to pad SF/CF/FC frames to the
// full chunk length. Default 0x00.
func WithPaddingByte(b byte) Option {
	return func(s *Session) { s.paddingByte = b }
}

// WithFlowControlTimeout overrides how long Send waits for an FC frame.
func WithFlowControlTimeout(d time.Duration) Option {
	return func(s *Session) { s.flowControlTimeout = d }
}

// WithRxFlow sets the FlowControl settings this session advertises when
// it is the receiving side of a segmented transfer.
func WithRxFlow(fc FlowControl) Option {
	return func(s *Session) { s.rxFlow = fc }
}

// WithStrictSequencing enables the stricter CF sequence-number check
// (Open Question OQ-2, SPEC_FULL.md): sn must equal (lastSN+1) mod 16 or
// the receive aborts. Lenient (non-validated) acceptance is the default.
func WithStrictSequencing() Option {
	return func(s *Session) { s.strict = true }
}

// WithSendHook registers a callback invoked after every frame this
// session submits to the bus (SF, FF, CF, or FC) — the "CAN-TP send" TX
// tap point SPEC_FULL.md's trace tap hooks into, mirroring the
// scheduler's SentHook.
func WithSendHook(hook func(frame.Frame)) Option {
	return func(s *Session) { s.onSend = hook }
}

func newSession(rd *reader.Reader, adapter bus.Adapter, ecuID, testerID frame.ID, opts ...Option) *Session {
	s := &Session{
		ecuID:              ecuID,
		testerID:           testerID,
		chunkLength:        8,
		paddingByte:        0x00,
		flowControlTimeout: DefaultFlowControlTimeout,
		rxFlow:             FlowControl{BlockSize: 0, STmin: 0, Status: FlowCTS},
		adapter:            adapter,
		rd:                 rd,
		queueName:          fmt.Sprintf("cantp:%s:%s", ecuID, testerID),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) start() error {
	return s.rd.Subscribe(s.testerID, s.onFrame, s.queueName)
}

func (s *Session) onFrame(f frame.Frame) {
	s.mu.Lock()
	s.rxQueue = append(s.rxQueue, f.Data)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Close unsubscribes the session's private queue. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	_ = s.rd.Unsubscribe(s.testerID, s.queueName)
}

func (s *Session) waitForFrame(deadline time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.rxQueue) == 0 {
		if s.closed {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
	}
	f := s.rxQueue[0]
	s.rxQueue = s.rxQueue[1:]
	return f, true
}

func (s *Session) send(payload []byte) error {
	f := frame.Frame{
		ID:   s.ecuID,
		FD:   s.chunkLength > 8,
		Data: payload,
	}
	if err := s.adapter.Send(f); err != nil {
		return err
	}
	if s.onSend != nil {
		s.invokeSendHook(f)
	}
	return nil
}

func (s *Session) invokeSendHook(f frame.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			// Mirror the reader's callback-panic containment (spec §7
			// "Callback"): a hook must never abort an in-flight send.
		}
	}()
	s.onSend(f)
}

func sfMaxPayload(chunkLength int) int {
	max := chunkLength - 1
	if max > 15 {
		max = 15
	}
	return max
}

// Send segments data (SF if it fits, otherwise FF+CF) and drives the
// flow-control handshake and STmin pacing (spec §4.E "Send algorithm").
func (s *Session) Send(data []byte) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if len(data) <= sfMaxPayload(s.chunkLength) {
		sfBytes := padToChunk(buildSF(data), s.chunkLength, s.paddingByte)
		if err := s.send(sfBytes); err != nil {
			return false, err
		}
		return true, nil
	}

	headerLen := 2
	if len(data) > 0xFFF {
		headerLen = 6
	}
	firstChunkLen := s.chunkLength - headerLen
	if firstChunkLen > len(data) {
		firstChunkLen = len(data)
	}
	ff := padToChunk(buildFF(len(data), data[:firstChunkLen]), s.chunkLength, s.paddingByte)
	if err := s.send(ff); err != nil {
		return false, err
	}
	remaining := data[firstChunkLen:]

	deadline := time.Now().Add(s.flowControlTimeout)
	var bs, stmin byte
	for {
		f, ok := s.waitForFrame(deadline)
		if !ok {
			return false, ErrFlowControlTimeout
		}
		fc, ok := parseFC(f)
		if !ok {
			continue
		}
		switch fc.Status {
		case FlowWait:
			continue
		case FlowOvflw:
			return false, ErrOverflow
		default:
			bs, stmin = fc.BlockSize, fc.STmin
		}
		break
	}

	sn := byte(0)
	chunkPayload := s.chunkLength - 1
	sentInBlock := 0
	for len(remaining) > 0 {
		sn = (sn + 1) & 0x0F
		n := chunkPayload
		if n > len(remaining) {
			n = len(remaining)
		}
		cf := padToChunk(buildCF(sn, remaining[:n]), s.chunkLength, s.paddingByte)
		if err := s.send(cf); err != nil {
			return false, err
		}
		remaining = remaining[n:]
		sentInBlock++

		if d := STminDuration(stmin); d > 0 && len(remaining) > 0 {
			time.Sleep(d)
		}

		if bs != 0 && sentInBlock == int(bs) && len(remaining) > 0 {
			deadline = time.Now().Add(s.flowControlTimeout)
			f, ok := s.waitForFrame(deadline)
			if !ok {
				return false, ErrFlowControlTimeout
			}
			fc, ok := parseFC(f)
			if !ok || fc.Status != FlowCTS {
				return false, ErrOverflow
			}
			bs, stmin = fc.BlockSize, fc.STmin
			sentInBlock = 0
		}
	}
	return true, nil
}

// Receive accumulates one PDU from the session's RX buffer (spec §4.E
// "Receive algorithm"). ok is false on timeout or a malformed first
// frame.
func (s *Session) Receive(timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	first, ok := s.waitForFrame(deadline)
	if !ok {
		return nil, false
	}

	switch first[0] >> 4 {
	case pciSingleFrame:
		return parseSF(first)
	case pciFirstFrame:
		total, _, already, ok := parseFF(first)
		if !ok {
			return nil, false
		}
		accum := append([]byte(nil), already...)

		fc := padToChunk(buildFC(s.rxFlow), s.chunkLength, s.paddingByte)
		if err := s.send(fc); err != nil {
			return nil, false
		}

		lastSN := byte(0)
		for len(accum) < total {
			f, ok := s.waitForFrame(deadline)
			if !ok {
				return nil, false
			}
			sn, payload, ok := parseCF(f)
			if !ok {
				continue
			}
			if s.strict {
				expected := (lastSN + 1) & 0x0F
				if sn != expected {
					return nil, false
				}
			}
			lastSN = sn
			accum = append(accum, payload...)
		}
		if len(accum) > total {
			accum = accum[:total]
		}
		return accum, true
	default:
		return nil, false
	}
}

func (s *Session) key() string {
	return strings.ToUpper(fmt.Sprintf("%s:%s", s.ecuID, s.testerID))
}
