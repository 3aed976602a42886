package diag

import (
	"errors"
	"time"

	"github.com/Albert245/CanX/pkg/frame"
)

// ErrTesterPresentRunning is returned by StartTesterPresent when a
// keep-alive loop is already active for this Helper.
var ErrTesterPresentRunning = errors.New("diag: tester present already running")

// testerPresentRequest is the fixed "3E 80" suppress-positive-response
// keep-alive PDU (spec §4.F "start_tester_present").
var testerPresentRequest = []byte{0x3E, 0x80}

// StartTesterPresent spawns a background task emitting 3E 80 every
// intervalMs until StopTesterPresent is called.
func (h *Helper) StartTesterPresent(intervalMs int, ecuID ...any) error {
	eid, err := h.resolveECU(ecuID...)
	if err != nil {
		return err
	}

	h.tpMu.Lock()
	defer h.tpMu.Unlock()
	if h.tpRunning {
		return ErrTesterPresentRunning
	}
	h.tpStop = make(chan struct{})
	h.tpDone = make(chan struct{})
	h.tpRunning = true
	go h.testerPresentLoop(eid, time.Duration(intervalMs)*time.Millisecond, h.tpStop, h.tpDone)
	return nil
}

func (h *Helper) testerPresentLoop(ecuID frame.ID, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.Send(testerPresentRequest, ecuID); err != nil {
				h.logger.Warnf("[DIAG] tester present send failed: %v", err)
			}
		}
	}
}

// StopTesterPresent signals the keep-alive loop to exit and joins it.
// Safe to call when no loop is running (no-op).
func (h *Helper) StopTesterPresent() {
	h.tpMu.Lock()
	if !h.tpRunning {
		h.tpMu.Unlock()
		return
	}
	stop, done := h.tpStop, h.tpDone
	h.tpRunning = false
	h.tpMu.Unlock()

	close(stop)
	<-done
}
