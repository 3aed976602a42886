package dbc

import "github.com/Albert245/CanX/pkg/frame"

// SendType classifies how a message reaches the bus (spec §3).
type SendType int

const (
	// Cyclic messages are scheduled at a fixed period.
	Cyclic SendType = iota
	// Event messages are sent in response to a trigger rather than a timer.
	Event
	// Other covers anything the DBC source doesn't classify either way.
	Other
)

// Attrs mirrors spec.md §3's Message.attrs bag.
type Attrs struct {
	Periodic     bool
	OnEvent      bool
	Group        bool
	AlvCntSignal string
	CRCSignal    string
}

// Message is the parsed DBC BO_ record plus its SG_ signals and CM_
// comment (spec §3).
type Message struct {
	FrameID     frame.ID
	Name        string
	Length      int
	IsExtended  bool
	CycleTimeMS int
	SendType    SendType
	Senders     []string
	Receivers   []string
	Signals     []Signal
	Comment     string
	Attrs       Attrs
}

func (m *Message) signalByName(name string) (Signal, bool) {
	for _, s := range m.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}
