// Package diag implements the diagnostic service helper (spec §4.F,
// Component F): request/response coordination on top of a CAN-TP
// session, including NRC 0x78 rewait, SID-matched polling, Seed-and-Key
// unlock, and a Tester Present keep-alive loop.
package diag

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Albert245/CanX/pkg/cantp"
	"github.com/Albert245/CanX/pkg/dbc"
	"github.com/Albert245/CanX/pkg/frame"
)

// ErrNoSessionTarget is returned when neither a per-call ECU id nor a
// default ECU id configured at construction is available.
var ErrNoSessionTarget = errors.New("diag: no ECU id given and no default configured")

// Helper composes request/response, pending-response rewait, keep-alive,
// and unlock semantics on top of a cantp.Manager (spec §4.F).
type Helper struct {
	mgr      *cantp.Manager
	testerID frame.ID

	hasDefaultECU bool
	defaultECU    frame.ID

	logger *log.Logger
	rt     *dbc.Runtime

	keyGenExec    string
	keyGenLibrary string
	keyGenTimeout time.Duration

	tpMu      sync.Mutex
	tpRunning bool
	tpStop    chan struct{}
	tpDone    chan struct{}
}

// Option configures a Helper at construction.
type Option func(*Helper)

// WithLogger overrides the package-default logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(h *Helper) { h.logger = l }
}

// WithDefaultECU sets the ECU id used when a call omits one.
func WithDefaultECU(ecuID any) Option {
	return func(h *Helper) {
		id, err := frame.ParseID(ecuID)
		if err != nil {
			return
		}
		h.hasDefaultECU = true
		h.defaultECU = id
	}
}

// WithKeyGenerator configures the external Seed-and-Key subprocess: it
// is invoked as `execPath libraryPath seedHex` per spec §6 ("External
// key generator").
func WithKeyGenerator(execPath, libraryPath string) Option {
	return func(h *Helper) {
		h.keyGenExec = execPath
		h.keyGenLibrary = libraryPath
	}
}

// WithKeyGeneratorTimeout bounds how long the external key generator
// subprocess is allowed to run. Default 5s.
func WithKeyGeneratorTimeout(d time.Duration) Option {
	return func(h *Helper) { h.keyGenTimeout = d }
}

// WithDBCRuntime attaches a dbc.Runtime so Diagnose can inspect loaded
// messages (SPEC_FULL.md supplement, grounded on
// sample_signal_diagnostics.py).
func WithDBCRuntime(rt *dbc.Runtime) Option {
	return func(h *Helper) { h.rt = rt }
}

// New constructs a Helper that sends via mgr's sessions, listening on
// testerID.
func New(mgr *cantp.Manager, testerID any, opts ...Option) (*Helper, error) {
	tid, err := frame.ParseID(testerID)
	if err != nil {
		return nil, err
	}
	h := &Helper{
		mgr:           mgr,
		testerID:      tid,
		logger:        log.StandardLogger(),
		keyGenTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Helper) resolveECU(ecuID ...any) (frame.ID, error) {
	if len(ecuID) > 0 && ecuID[0] != nil {
		return frame.ParseID(ecuID[0])
	}
	if h.hasDefaultECU {
		return h.defaultECU, nil
	}
	return 0, ErrNoSessionTarget
}

func (h *Helper) session(ecuID ...any) (*cantp.Session, error) {
	eid, err := h.resolveECU(ecuID...)
	if err != nil {
		return nil, err
	}
	return h.mgr.Get(eid, h.testerID)
}

// Send transmits an ASCII-hex PDU's decoded bytes to the ECU via its
// CAN-TP session (spec §4.F "send").
func (h *Helper) Send(data []byte, ecuID ...any) error {
	sess, err := h.session(ecuID...)
	if err != nil {
		return err
	}
	_, err = sess.Send(data)
	return err
}

func isPendingResponse(p []byte) bool {
	return len(p) >= 3 && p[0] == 0x7F && p[2] == 0x78
}

// Receive reads one response, silently rewaiting on NRC 0x78 ("response
// pending") until a real answer arrives or the overall timeout elapses
// (spec §4.F "receive").
func (h *Helper) Receive(timeout time.Duration, ecuID ...any) ([]byte, bool) {
	sess, err := h.session(ecuID...)
	if err != nil {
		h.logger.Warnf("[DIAG] receive: %v", err)
		return nil, false
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		payload, ok := sess.Receive(remaining)
		if !ok {
			return nil, false
		}
		if isPendingResponse(payload) {
			continue
		}
		return payload, true
	}
}

// SendAndReceive sends req and polls Receive until the response SID
// equals req's SID, the positive-response SID (req SID + 0x40), or the
// response is a negative-response envelope (0x7F, req SID, NRC) echoing
// req's SID — returned verbatim for the caller to inspect byte 0 — or
// the overall timeout expires (spec §4.F "send_and_received").
func (h *Helper) SendAndReceive(req []byte, timeout time.Duration, ecuID ...any) ([]byte, bool) {
	if len(req) == 0 {
		return nil, false
	}
	if err := h.Send(req, ecuID...); err != nil {
		h.logger.Warnf("[DIAG] send_and_received: send failed: %v", err)
		return nil, false
	}
	reqSID := req[0]
	positiveSID := reqSID + 0x40
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		resp, ok := h.Receive(remaining, ecuID...)
		if !ok {
			return nil, false
		}
		if len(resp) > 0 && (resp[0] == reqSID || resp[0] == positiveSID) {
			return resp, true
		}
		if len(resp) > 1 && resp[0] == 0x7F && resp[1] == reqSID {
			return resp, true
		}
	}
}
