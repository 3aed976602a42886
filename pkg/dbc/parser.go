package dbc

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/Albert245/CanX/pkg/frame"
)

// sgLine matches a DBC SG_ record:
//
//	SG_ Name : StartBit|Length@ByteOrderSign (Scale,Offset) [Min|Max] "Unit" Receivers
var sgLine = regexp.MustCompile(`^SG_\s+(\w+)\s*:\s*(\d+)\|(\d+)@(\d)([+-])\s*\(([^,]+),([^)]+)\)\s*\[([^|]*)\|([^\]]*)\]\s*"([^"]*)"\s*(.*)$`)

// boLine matches a DBC BO_ record header: BO_ Id Name: Dlc Sender
var boLine = regexp.MustCompile(`^BO_\s+(\d+)\s+(\w+)\s*:\s*(\d+)\s+(\S+)`)

// cmBoLine matches CM_ BO_ Id "text";
var cmBoLine = regexp.MustCompile(`^CM_\s+BO_\s+(\d+)\s+"(.*)"\s*;?$`)

// sigValTypeLine matches SIG_VALTYPE_ Id SignalName : Type; — Type 1 is
// an IEEE754 32-bit float, 2 is a 64-bit double; any other value (0, or
// absent) is the default scaled-integer encoding.
var sigValTypeLine = regexp.MustCompile(`^SIG_VALTYPE_\s+(\d+)\s+(\w+)\s*:\s*(\d+)\s*;?$`)

// parseDBC reads a DBC file's BO_/SG_/CM_ records. BA_ attribute
// definitions are intentionally skipped (Non-goal, SPEC_FULL.md): the
// two attributes this runtime needs (the alive-counter and CRC signal
// links) are inferred from signal-name convention instead, matching the
// name-based "group"/"on_event" detections spec.md §3 already specifies.
func parseDBC(path string) ([]*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dbc: %w", err)
	}
	defer f.Close()

	var messages []*Message
	byID := make(map[frame.ID]*Message)
	var current *Message

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "BO_ "):
			m, err := parseBO(line)
			if err != nil {
				return nil, err
			}
			current = m
			messages = append(messages, m)
			byID[m.FrameID] = m
		case strings.HasPrefix(line, "SG_ "):
			if current == nil {
				continue
			}
			sig, err := parseSG(line)
			if err != nil {
				return nil, err
			}
			current.Signals = append(current.Signals, sig)
		case strings.HasPrefix(line, "CM_ BO_"):
			if m := cmBoLine.FindStringSubmatch(line); m != nil {
				id, _ := strconv.ParseUint(m[1], 10, 32)
				if target, ok := byID[frame.ID(id)]; ok {
					target.Comment = m[2]
				}
			}
		case strings.HasPrefix(line, "SIG_VALTYPE_"):
			applySigValType(line, byID)
		default:
			// CM_ SG_, BA_, VAL_, and every other record type are out of
			// scope (spec.md §1 Non-goals / SPEC_FULL.md Non-goals).
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dbc: %w", err)
	}

	for _, m := range messages {
		finalizeAttrs(m)
	}
	return messages, nil
}

func parseBO(line string) (*Message, error) {
	m := boLine.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("dbc: malformed BO_ line %q", line)
	}
	id, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("dbc: bad message id in %q: %w", line, err)
	}
	length, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("dbc: bad DLC in %q: %w", line, err)
	}
	return &Message{
		FrameID: frame.ID(id),
		Name:    m[2],
		Length:  length,
		Senders: []string{m[4]},
	}, nil
}

func parseSG(line string) (Signal, error) {
	m := sgLine.FindStringSubmatch(line)
	if m == nil {
		return Signal{}, fmt.Errorf("dbc: malformed SG_ line %q", line)
	}
	startBit, _ := strconv.Atoi(m[2])
	length, _ := strconv.Atoi(m[3])
	order := LittleEndian
	if m[4] == "0" {
		order = BigEndian
	}
	signed := m[5] == "-"
	scale, err := strconv.ParseFloat(strings.TrimSpace(m[6]), 64)
	if err != nil {
		return Signal{}, fmt.Errorf("dbc: bad scale in %q: %w", line, err)
	}
	offset, err := strconv.ParseFloat(strings.TrimSpace(m[7]), 64)
	if err != nil {
		return Signal{}, fmt.Errorf("dbc: bad offset in %q: %w", line, err)
	}

	sig := Signal{
		Name:      m[1],
		StartBit:  startBit,
		Length:    length,
		ByteOrder: order,
		Scale:     scale,
		Offset:    offset,
		IsSigned:  signed,
		Unit:      m[10],
	}
	if minStr := strings.TrimSpace(m[8]); minStr != "" {
		if v, err := strconv.ParseFloat(minStr, 64); err == nil {
			sig.Minimum = &v
		}
	}
	if maxStr := strings.TrimSpace(m[9]); maxStr != "" {
		if v, err := strconv.ParseFloat(maxStr, 64); err == nil {
			sig.Maximum = &v
		}
	}
	if receivers := strings.TrimSpace(m[11]); receivers != "" {
		// not retained: neither Signal nor Message.Receivers records
		// the SG_ receiver list.
		_ = receivers
	}
	return sig, nil
}

// applySigValType marks the named signal on message Id as IEEE754 float
// (Type 1, 32-bit) or double (Type 2, 64-bit). Unrecognized lines and
// unknown message/signal names are tolerated rather than erroring, the
// same way parseDBC skips other unsupported record types.
func applySigValType(line string, byID map[frame.ID]*Message) {
	m := sigValTypeLine.FindStringSubmatch(line)
	if m == nil {
		return
	}
	id, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return
	}
	msg, ok := byID[frame.ID(id)]
	if !ok {
		return
	}
	if m[3] != "1" && m[3] != "2" {
		return
	}
	for i := range msg.Signals {
		if msg.Signals[i].Name == m[2] {
			msg.Signals[i].IsFloat = true
		}
	}
}

// finalizeAttrs derives §3's on_event/group/alv_cnt_signal/crc_signal
// from the parsed comment and signal names.
func finalizeAttrs(m *Message) {
	m.Attrs.OnEvent = strings.Contains(m.Comment, "Event")
	m.Attrs.Periodic = !m.Attrs.OnEvent
	if m.Attrs.OnEvent {
		m.SendType = Event
	} else {
		m.SendType = Cyclic
	}
	for _, sig := range m.Signals {
		if strings.Contains(sig.Name, "AlvCnt") {
			m.Attrs.Group = true
			m.Attrs.AlvCntSignal = sig.Name
		}
		if strings.Contains(strings.ToUpper(sig.Name), "CRC") {
			m.Attrs.CRCSignal = sig.Name
		}
	}
}
