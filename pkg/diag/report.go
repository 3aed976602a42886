package diag

import (
	"fmt"

	"github.com/Albert245/CanX/pkg/dbc"
	"github.com/Albert245/CanX/pkg/frame"
)

// Report captures why a DBC message's signals might not be listable —
// an idiomatic port of sample_signal_diagnostics.py's checks (missing
// runtime, unknown message, no signals, a get_payload failure) rather
// than the original's file-existence/parser checks, which pkg/dbc.Load
// already performs at construction time.
type Report struct {
	RuntimeLoaded bool
	Resolved      bool
	MessageName   string
	FrameID       string
	SignalNames   []string
	Errors        []string
	Warnings      []string
}

// Diagnose inspects the attached dbc.Runtime for msgName (a message
// name or a duck-typed frame id) and reports the reason its signals
// can't be listed, rather than returning a bare error (spec SPEC_FULL.md
// "Component F" supplement).
func (h *Helper) Diagnose(msgName string) (Report, error) {
	rep := Report{RuntimeLoaded: h.rt != nil}
	if h.rt == nil {
		rep.Errors = append(rep.Errors, "no DBC runtime configured for this helper")
		return rep, nil
	}

	messages := h.rt.Messages()
	if len(messages) == 0 {
		rep.Errors = append(rep.Errors, "the loaded DBC defines no messages")
		return rep, nil
	}

	if msgName == "" {
		rep.Warnings = append(rep.Warnings, "no message name provided")
		return rep, nil
	}

	found := findMessage(messages, msgName)
	if found == nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("message %q was not found by name or frame id", msgName))
		return rep, nil
	}

	rep.Resolved = true
	rep.MessageName = found.Name
	rep.FrameID = found.FrameID.String()
	for _, sig := range found.Signals {
		rep.SignalNames = append(rep.SignalNames, sig.Name)
	}

	if len(found.Signals) == 0 {
		rep.Errors = append(rep.Errors, fmt.Sprintf("message %q declares no signals in the DBC file", found.Name))
		return rep, nil
	}

	if _, err := h.rt.GetPayload(found.FrameID); err != nil {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("get_payload failed: %v", err))
	}

	return rep, nil
}

func findMessage(messages []*dbc.Message, msgName string) *dbc.Message {
	for _, m := range messages {
		if m.Name == msgName {
			return m
		}
	}
	if id, err := frame.ParseID(msgName); err == nil {
		for _, m := range messages {
			if m.FrameID == id {
				return m
			}
		}
	}
	return nil
}
