// Package cantp implements the ISO-15765-2 transport protocol session
// (spec §4.E, Component E): SF/FF/CF/FC framing, STmin pacing, block-size
// windows, and per-(ECU, tester) session isolation built on a private
// reader subscription.
package cantp

import (
	"encoding/binary"
	"errors"
	"time"
)

// PCI type nibbles (spec §4.E "PCI encoding").
const (
	pciSingleFrame      = 0x0
	pciFirstFrame       = 0x1
	pciConsecutiveFrame = 0x2
	pciFlowControl      = 0x3
)

// FlowStatus is the FS nibble of a Flow Control frame (spec §3).
type FlowStatus byte

const (
	FlowCTS    FlowStatus = 0
	FlowWait   FlowStatus = 1
	FlowOvflw  FlowStatus = 2
)

// FlowControl is the set of parameters the receiving side hands back to
// a sender via an FC frame (spec §3 "Flow Control Settings").
type FlowControl struct {
	BlockSize byte
	STmin     byte
	Status    FlowStatus
}

// ErrFlowControlTimeout is returned when a send's wait for FC exceeds
// flow_control_timeout_ms.
var ErrFlowControlTimeout = errors.New("cantp: flow control timeout")

// ErrOverflow is returned when the responder signals OVFLW.
var ErrOverflow = errors.New("cantp: flow control overflow")

// ErrMalformedFirstFrame names the case of a receive's first popped frame
// having no recognizable PCI type. Session.Receive does not return it:
// that case is reported only through Receive's false ok result.
var ErrMalformedFirstFrame = errors.New("cantp: malformed first frame")

// STminDuration decodes an STmin byte per the dual-range encoding in
// spec §3: 0x00-0x7F is whole milliseconds, 0xF1-0xF9 is 100-900
// microsecond steps, anything else is zero separation time.
func STminDuration(stmin byte) time.Duration {
	switch {
	case stmin <= 0x7F:
		return time.Duration(stmin) * time.Millisecond
	case stmin >= 0xF1 && stmin <= 0xF9:
		return time.Duration(stmin-0xF0) * 100 * time.Microsecond
	default:
		return 0
	}
}

func buildSF(data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(len(data))&0x0F)
	out = append(out, data...)
	return out
}

// parseSF returns the payload of a Single Frame. ok is false if the
// frame isn't PCI type 0.
func parseSF(f []byte) (payload []byte, ok bool) {
	if len(f) == 0 || f[0]>>4 != pciSingleFrame {
		return nil, false
	}
	l := int(f[0] & 0x0F)
	if 1+l > len(f) {
		l = len(f) - 1
	}
	return f[1 : 1+l], true
}

// buildFF builds a First Frame: the short form when length fits in 12
// bits, otherwise the escape form (spec §4.E PCI table).
func buildFF(totalLength int, firstChunk []byte) []byte {
	var out []byte
	if totalLength <= 0xFFF {
		out = []byte{0x10 | byte(totalLength>>8), byte(totalLength)}
	} else {
		out = make([]byte, 6)
		out[0] = 0x10
		out[1] = 0x00
		binary.BigEndian.PutUint32(out[2:6], uint32(totalLength))
	}
	return append(out, firstChunk...)
}

// parseFF returns the total PDU length, the header size consumed, and
// any payload bytes already present in the frame.
func parseFF(f []byte) (totalLength, headerLen int, already []byte, ok bool) {
	if len(f) < 2 || f[0]>>4 != pciFirstFrame {
		return 0, 0, nil, false
	}
	if f[0] == 0x10 && f[1] == 0x00 {
		if len(f) < 6 {
			return 0, 0, nil, false
		}
		totalLength = int(binary.BigEndian.Uint32(f[2:6]))
		return totalLength, 6, f[6:], true
	}
	totalLength = (int(f[0]&0x0F) << 8) | int(f[1])
	return totalLength, 2, f[2:], true
}

func buildCF(sn byte, chunk []byte) []byte {
	out := make([]byte, 0, len(chunk)+1)
	out = append(out, pciConsecutiveFrame<<4|(sn&0x0F))
	out = append(out, chunk...)
	return out
}

// parseCF returns the sequence number and payload of a Consecutive
// Frame. ok is false if the frame isn't PCI type 2.
func parseCF(f []byte) (sn byte, payload []byte, ok bool) {
	if len(f) == 0 || f[0]>>4 != pciConsecutiveFrame {
		return 0, nil, false
	}
	return f[0] & 0x0F, f[1:], true
}

func buildFC(fc FlowControl) []byte {
	return []byte{pciFlowControl<<4 | byte(fc.Status)&0x0F, fc.BlockSize, fc.STmin}
}

// parseFC returns the FlowControl settings of an FC frame. ok is false
// if the frame isn't PCI type 3 or is too short.
func parseFC(f []byte) (FlowControl, bool) {
	if len(f) < 3 || f[0]>>4 != pciFlowControl {
		return FlowControl{}, false
	}
	return FlowControl{
		Status:    FlowStatus(f[0] & 0x0F),
		BlockSize: f[1],
		STmin:     f[2],
	}, true
}

// padToChunk pads data to exactly chunkLength bytes, the full-DLC
// padding ISO-15765-2 segmented frames always carry (distinct from
// pkg/frame.DLCPad, which leaves already-valid classical lengths
// untouched for ordinary, non-segmented CAN traffic).
func padToChunk(data []byte, chunkLength int, fill byte) []byte {
	if len(data) >= chunkLength {
		return data
	}
	out := make([]byte, chunkLength)
	copy(out, data)
	for i := len(data); i < chunkLength; i++ {
		out[i] = fill
	}
	return out
}
