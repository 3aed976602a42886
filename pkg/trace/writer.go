package trace

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// pollInterval bounds how long Writer's drain loop blocks on an empty
// tap before checking for a stop signal, mirroring the reader's
// recvPoll discipline (spec §5 "Cancellation": waits are bounded so a
// stop becomes visible promptly).
const pollInterval = 2 * time.Second

// Writer is the optional external trace-writer task (spec §5): it
// drains a Tap's primary queue and serializes one JSON object per line
// (spec §6 "Trace frame record").
type Writer struct {
	tap    *Tap
	out    *bufio.Writer
	logger *log.Logger

	once    sync.Once
	stop    chan struct{}
	stopped chan struct{}
}

// NewWriter constructs a Writer over tap, flushing serialized records
// to w.
func NewWriter(tap *Tap, w io.Writer, opts ...WriterOption) *Writer {
	wr := &Writer{
		tap:     tap,
		out:     bufio.NewWriter(w),
		logger:  log.StandardLogger(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(wr)
	}
	return wr
}

// WriterOption configures a Writer at construction.
type WriterOption func(*Writer)

// WithWriterLogger overrides the package-default logrus logger.
func WithWriterLogger(l *log.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// Start launches the drain loop as a background goroutine.
func (w *Writer) Start() {
	go w.run()
}

// Stop signals the drain loop to exit, flush, and return. Idempotent.
func (w *Writer) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Writer) run() {
	defer close(w.stopped)
	enc := json.NewEncoder(w.out)
	for {
		select {
		case <-w.stop:
			w.drainRemaining(enc)
			_ = w.out.Flush()
			return
		default:
		}
		rec, ok := w.tap.PopWait(pollInterval)
		if !ok {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			w.logger.Errorf("[TRACE] encode failed: %v", err)
			continue
		}
		_ = w.out.Flush()
	}
}

func (w *Writer) drainRemaining(enc *json.Encoder) {
	for {
		rec, ok := w.tap.Pop()
		if !ok {
			return
		}
		if err := enc.Encode(rec); err != nil {
			w.logger.Errorf("[TRACE] encode failed: %v", err)
		}
	}
}
