// Package bus defines the bus adapter contract (spec §6) and the
// concrete adapters recognized by name: PCAN, CANalyzer, CANoe, CANape,
// VirtualCAN, plus the in-process MockCAN loopback used by tests.
package bus

import (
	"fmt"
	"time"

	"github.com/Albert245/CanX/pkg/frame"
)

// Adapter is the opaque collaborator every other package in the stack
// talks to. Implementations must be safe for concurrent Send calls from
// independent callers (scheduler tasks, direct writes, flow-control
// emissions, diagnostics) — ordering across callers is undefined.
type Adapter interface {
	Send(f frame.Frame) error
	// Recv blocks up to timeout for the next inbound frame. ok is false
	// (with a nil error) on a plain timeout; err is non-nil only for a
	// genuine transport failure.
	Recv(timeout time.Duration) (f frame.Frame, ok bool, err error)
	Shutdown() error
}

// Open constructs the adapter named by name. See SPEC_FULL.md OQ-1 for
// why all vendor names but VirtualCAN share the SocketCAN transport.
func Open(name, channel string, bitrate int) (Adapter, error) {
	switch name {
	case "PCAN", "CANalyzer", "CANoe", "CANape":
		return NewSocketCANAdapter(name, channel)
	case "VirtualCAN":
		return NewVirtualAdapter(channel)
	default:
		return nil, fmt.Errorf("bus: unknown adapter %q", name)
	}
}
