// Package trace implements the trace tap (spec §5 "Trace fanout", §6
// "Trace frame record", Component G): a bounded ring buffer of TX/RX
// frame records, a mirrored UI-facing tap, and a one-JSON-object-per-line
// writer, fed by hooks registered on the scheduler, CAN-TP sessions, and
// the frame reader.
package trace

import (
	"time"

	"github.com/Albert245/CanX/pkg/frame"
)

// Direction distinguishes a transmitted frame from a received one.
type Direction string

const (
	TX Direction = "tx"
	RX Direction = "rx"
)

// Record is one trace entry (spec §6 "Trace frame record").
type Record struct {
	TimestampS float64   `json:"timestamp_s"`
	IDHex      string    `json:"id_hex"`
	Direction  Direction `json:"direction"`
	Data       string    `json:"data"`
	IsFD       bool      `json:"is_fd"`
	IsExtended bool      `json:"is_extended"`
}

func newRecord(f frame.Frame, dir Direction, now time.Time) Record {
	return Record{
		TimestampS: float64(now.UnixNano()) / 1e9,
		IDHex:      f.ID.String(),
		Direction:  dir,
		Data:       hexData(f.Data),
		IsFD:       f.FD,
		IsExtended: f.Extended,
	}
}

func hexData(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(data)*3-1)
	for i, b := range data {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(out)
}
