// Package config loads the Stack's runtime parameters from an ini file
// (spec §10 "Configuration"), in the same gopkg.in/ini.v1 idiom the
// teacher's od_parser.go uses to read EDS files: ini.Load, then
// per-section Key(name) accessors with explicit fallback defaults.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/cantp"
	"github.com/Albert245/CanX/pkg/reader"
)

// BusConfig names the adapter Stack.OpenBus passes to bus.Open.
type BusConfig struct {
	Adapter string
	Channel string
	Bitrate int
}

// DBCConfig names the database file a caller loads with dbc.Load.
type DBCConfig struct {
	Path string
}

// ReaderConfig carries the reader.Option values for the frame-reader core.
type ReaderConfig struct {
	TimeoutS      float64
	ReapIntervalS float64
}

// CANTPConfig carries the cantp.Option values for ISO-TP sessions.
type CANTPConfig struct {
	ChunkLength          int
	FlowControlTimeoutMS int
	BlockSize            int
	STmin                int
}

// DiagConfig carries the diagnostic helper's keep-alive cadence.
type DiagConfig struct {
	TesterPresentIntervalMS int
}

// Stack is the full set of sections a deployment file may define. Every
// field has a zero-value-safe default applied by Load, so a caller may
// omit any section or key entirely.
type Stack struct {
	Bus    BusConfig
	DBC    DBCConfig
	Reader ReaderConfig
	CANTP  CANTPConfig
	Diag   DiagConfig
}

// Load reads path as an ini file and maps its [bus], [dbc], [reader],
// [cantp], and [diag] sections onto a Stack. A missing section or key
// falls back to the library's own operating defaults rather than erroring
// — only a malformed file (path not found, bad ini syntax) is an error.
func Load(path string) (*Stack, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	s := &Stack{}

	busSec := f.Section("bus")
	s.Bus.Adapter = busSec.Key("adapter").MustString("VirtualCAN")
	s.Bus.Channel = busSec.Key("channel").MustString("")
	s.Bus.Bitrate = busSec.Key("bitrate").MustInt(500000)

	dbcSec := f.Section("dbc")
	s.DBC.Path = dbcSec.Key("path").MustString("")

	readerSec := f.Section("reader")
	s.Reader.TimeoutS = readerSec.Key("timeout_s").MustFloat64(reader.DefaultTimeout.Seconds())
	s.Reader.ReapIntervalS = readerSec.Key("reap_interval_s").MustFloat64(reader.ReapInterval.Seconds())

	cantpSec := f.Section("cantp")
	s.CANTP.ChunkLength = cantpSec.Key("chunk_length").MustInt(8)
	s.CANTP.FlowControlTimeoutMS = cantpSec.Key("flow_control_timeout_ms").MustInt(1000)
	s.CANTP.BlockSize = cantpSec.Key("block_size").MustInt(0)
	s.CANTP.STmin = cantpSec.Key("st_min").MustInt(0)

	diagSec := f.Section("diag")
	s.Diag.TesterPresentIntervalMS = diagSec.Key("tester_present_interval_ms").MustInt(2000)

	return s, nil
}

// OpenBus opens the adapter named by the [bus] section.
func (s *Stack) OpenBus() (bus.Adapter, error) {
	return bus.Open(s.Bus.Adapter, s.Bus.Channel, s.Bus.Bitrate)
}

// ReaderOptions translates the [reader] section into reader.Options.
func (s *Stack) ReaderOptions() []reader.Option {
	return []reader.Option{
		reader.WithDefaultTimeout(secondsToDuration(s.Reader.TimeoutS)),
		reader.WithReapInterval(secondsToDuration(s.Reader.ReapIntervalS)),
	}
}

// CANTPOptions translates the [cantp] section into cantp.Options. The
// flow-control side (block size, STmin, status) governs how this stack
// answers inbound multi-frame transfers; a peer's own flow control
// governs how fast it answers ours, so these values feed WithRxFlow.
func (s *Stack) CANTPOptions() []cantp.Option {
	return []cantp.Option{
		cantp.WithChunkLength(s.CANTP.ChunkLength),
		cantp.WithFlowControlTimeout(time.Duration(s.CANTP.FlowControlTimeoutMS) * time.Millisecond),
		cantp.WithRxFlow(cantp.FlowControl{
			BlockSize: byte(s.CANTP.BlockSize),
			STmin:     byte(s.CANTP.STmin),
			Status:    cantp.FlowCTS,
		}),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
