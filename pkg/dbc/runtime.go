package dbc

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Albert245/CanX/pkg/frame"
)

// ErrUnknownMessage is the "key-error" spec.md §4.B/§7 mandates for any
// operation given a message name or id the runtime didn't load.
var ErrUnknownMessage = errors.New("dbc: unknown message")

type messageState struct {
	msg     *Message
	current map[string]float64
	initial map[string]float64
	pending []map[string]float64
}

// Runtime is the loaded DBC database plus live per-message signal state
// (spec §4.B, Component B). Construct with Load.
type Runtime struct {
	logger *log.Logger

	mu       sync.Mutex
	byName   map[string]*messageState
	byID     map[frame.ID]*messageState
	messages []*Message
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithLogger overrides the package-default logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// Load parses the DBC file at path and instantiates initial signal state
// for every message (spec §4.B).
func Load(path string, opts ...Option) (*Runtime, error) {
	messages, err := parseDBC(path)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		logger: log.StandardLogger(),
		byName: make(map[string]*messageState),
		byID:   make(map[frame.ID]*messageState),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, m := range messages {
		st := &messageState{
			msg:     m,
			current: make(map[string]float64, len(m.Signals)),
			initial: make(map[string]float64, len(m.Signals)),
		}
		for _, sig := range m.Signals {
			physical := sig.clamp(sig.physicalFromRaw(sig.InitialRaw))
			st.current[sig.Name] = physical
			st.initial[sig.Name] = physical
		}
		r.byName[m.Name] = st
		r.byID[m.FrameID] = st
		r.messages = append(r.messages, m)
	}
	return r, nil
}

// Messages returns every loaded message's metadata.
func (r *Runtime) Messages() []*Message {
	return append([]*Message(nil), r.messages...)
}

func (r *Runtime) stateByID(id frame.ID) (*messageState, bool) {
	st, ok := r.byID[id]
	return st, ok
}

// GetPayload encodes msgID's current signal snapshot into bytes,
// applying any pending write, refreshing the alive counter, and
// stamping the CRC signal when the message defines one (spec §4.B
// "Encoding").
func (r *Runtime) GetPayload(rawID any) ([]byte, error) {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	st, ok := r.stateByID(id)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: id %s", ErrUnknownMessage, id)
	}

	applied := false
	if len(st.pending) > 0 {
		head := st.pending[0]
		st.pending = st.pending[1:]
		for name, v := range head {
			st.current[name] = v
		}
		applied = true
	}

	refreshAlive := st.msg.Attrs.Group && !st.msg.Attrs.OnEvent || applied
	if refreshAlive && st.msg.Attrs.AlvCntSignal != "" {
		next := int(st.current[st.msg.Attrs.AlvCntSignal]+1) % 256
		st.current[st.msg.Attrs.AlvCntSignal] = float64(next)
	}

	snapshot := make(map[string]float64, len(st.current))
	for k, v := range st.current {
		snapshot[k] = v
	}
	msg := st.msg
	r.mu.Unlock()

	// Releasing the lock before encoding (a potentially slow operation
	// over many signals) follows the same discipline as gocanopen's SDO
	// client: mutate under lock, release, then do the slow part.
	data := make([]byte, msg.Length)
	for _, sig := range msg.Signals {
		sig.Encode(data, snapshot[sig.Name])
	}

	if crcName := msg.Attrs.CRCSignal; crcName != "" {
		crcSig, ok := msg.signalByName(crcName)
		if ok {
			// Zero the CRC field first so the CRC depends only on the
			// other signals, not on the value stamped by the last call.
			crcSig.Encode(data, 0)
			crcVal := frame.StampCRC(uint16(msg.FrameID), data)
			r.mu.Lock()
			st.current[crcName] = float64(crcVal)
			r.mu.Unlock()
			crcSig.Encode(data, float64(crcVal))
		}
	}

	return data, nil
}

// PushSignals clamps a pending update batch for msgName and stores it as
// the message's single pending record, replacing any record not yet
// applied by GetPayload. Unknown messages fail with ErrUnknownMessage; a value that cannot be
// interpreted as a number is logged and skipped, the rest of the batch
// still applies (spec §4.B "Signal write", §7 "Signal-layer").
func (r *Runtime) PushSignals(msgName string, updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byName[msgName]
	if !ok {
		return fmt.Errorf("%w: message %q", ErrUnknownMessage, msgName)
	}

	record := make(map[string]float64, len(updates))
	for name, raw := range updates {
		sig, ok := st.msg.signalByName(name)
		if !ok {
			r.logger.Warnf("[DBC] %s: unknown signal %q, skipped", msgName, name)
			continue
		}
		v, ok := toFloat64(raw)
		if !ok {
			r.logger.Warnf("[DBC] %s.%s: non-numeric value %v, skipped", msgName, name, raw)
			continue
		}
		record[name] = sig.clamp(v)
	}
	st.pending = []map[string]float64{record}
	return nil
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// ResetMessage restores current_signals from the initial snapshot and
// clears the pending FIFO. With an empty name, every message is reset
// (spec §4.B "Reset").
func (r *Runtime) ResetMessage(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		for _, st := range r.byName {
			resetState(st)
		}
		return nil
	}
	st, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: message %q", ErrUnknownMessage, name)
	}
	resetState(st)
	return nil
}

func resetState(st *messageState) {
	st.current = make(map[string]float64, len(st.initial))
	for k, v := range st.initial {
		st.current[k] = v
	}
	st.pending = nil
}

// DecodeMessage decodes a raw payload against rawID's signal layout. A
// decode error (unrecoverable bit-math panic) yields an empty mapping
// rather than propagating (spec §4.B "Decoding").
func (r *Runtime) DecodeMessage(rawID any, data []byte) (map[string]float64, error) {
	id, err := frame.ParseID(rawID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	st, ok := r.stateByID(id)
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrUnknownMessage, id)
	}

	result := make(map[string]float64, len(st.msg.Signals))
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Errorf("[DBC] decode panic for %s: %v", st.msg.Name, rec)
				result = map[string]float64{}
			}
		}()
		for _, sig := range st.msg.Signals {
			result[sig.Name] = sig.Decode(data)
		}
	}()
	return result, nil
}
