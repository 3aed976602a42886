package cantp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
	"github.com/Albert245/CanX/pkg/reader"
)

func newTesterSide(t *testing.T) (*reader.Reader, *bus.Mock, *bus.Mock) {
	t.Helper()
	testerMock, ecuMock := bus.Pipe()
	rd := reader.New(testerMock, reader.WithDefaultTimeout(time.Second))
	rd.Start()
	t.Cleanup(rd.Stop)
	return rd, testerMock, ecuMock
}

func TestSFSendPadsToFullChunk(t *testing.T) {
	rd, testerMock, _ := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB)
	require.NoError(t, err)

	ok, err := sess.Send([]byte{0x22, 0xF1, 0x87})
	require.NoError(t, err)
	assert.True(t, ok)

	sent := testerMock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, frame.ID(0x7B3), sent[0].ID)
	assert.Equal(t, []byte{0x03, 0x22, 0xF1, 0x87, 0x00, 0x00, 0x00, 0x00}, sent[0].Data)
}

func TestMultiFrameReceiveSendsFlowControl(t *testing.T) {
	rd, testerMock, ecuMock := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB, WithRxFlow(FlowControl{BlockSize: 0, STmin: 0x14, Status: FlowCTS}))
	require.NoError(t, err)

	require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x10, 0x0A, 0x62, 0xF1, 0x87, 0x39, 0x37, 0x32}}))
	require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x21, 0x35, 0x35, 0x44, 0x43, 0x30, 0x31}}))

	payload, ok := sess.Receive(time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte{0x62, 0xF1, 0x87, 0x39, 0x37, 0x32, 0x35, 0x35, 0x44, 0x43}, payload)

	sent := testerMock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, frame.ID(0x7B3), sent[0].ID)
	assert.Equal(t, []byte{0x30, 0x00, 0x14, 0x00, 0x00, 0x00, 0x00, 0x00}, sent[0].Data)
}

func TestSTminPacingDelaysConsecutiveFrames(t *testing.T) {
	rd, testerMock, ecuMock := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB)
	require.NoError(t, err)

	go func() {
		require.Eventually(t, func() bool {
			for _, f := range testerMock.Sent() {
				if f.ID == 0x7B3 && len(f.Data) > 0 && f.Data[0]>>4 == 0x1 {
					return true
				}
			}
			return false
		}, time.Second, time.Millisecond)
		require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x30, 0x00, 0xF1, 0, 0, 0, 0, 0}}))
	}()

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	start := time.Now()
	ok, err := sess.Send(data)
	require.NoError(t, err)
	require.True(t, ok)
	elapsed := time.Since(start)

	var cfCount int
	for _, f := range testerMock.Sent() {
		if f.ID == 0x7B3 && f.Data[0]>>4 == 0x2 {
			cfCount++
		}
	}
	require.GreaterOrEqual(t, cfCount, 1)
	if cfCount > 1 {
		assert.GreaterOrEqual(t, elapsed, time.Duration(cfCount-1)*100*time.Microsecond)
	}
}

func TestTPRoundTrip(t *testing.T) {
	testerMock, ecuMock := bus.Pipe()
	rdTester := reader.New(testerMock)
	rdTester.Start()
	defer rdTester.Stop()
	rdEcu := reader.New(ecuMock)
	rdEcu.Start()
	defer rdEcu.Stop()

	mgrTester := NewManager(rdTester, testerMock)
	mgrEcu := NewManager(rdEcu, ecuMock)

	sessTester, err := mgrTester.Get(0x7B3, 0x7BB)
	require.NoError(t, err)
	// Swapped roles: this session's "ecuID" is where it sends FC
	// (0x7BB, the tester's listening id) and its "testerID" is what it
	// subscribes to receive on (0x7B3, the id the tester transmits
	// with) — the Session type has no inherent tester/ECU asymmetry.
	sessEcu, err := mgrEcu.Get(0x7BB, 0x7B3, WithRxFlow(FlowControl{BlockSize: 0, STmin: 0, Status: FlowCTS}))
	require.NoError(t, err)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}

	var got []byte
	var ok2 bool
	done := make(chan struct{})
	go func() {
		got, ok2 = sessEcu.Receive(2 * time.Second)
		close(done)
	}()

	ok, err := sessTester.Send(data)
	require.NoError(t, err)
	require.True(t, ok)
	<-done
	require.True(t, ok2)
	assert.Equal(t, data, got)
}

func TestLenientCFSequencingAcceptsOutOfOrder(t *testing.T) {
	rd, testerMock, ecuMock := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB)
	require.NoError(t, err)

	require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x10, 0x0A, 0x62, 0xF1, 0x87, 0x39, 0x37, 0x32}}))
	// sn=5 instead of the expected 1 — lenient mode ignores this.
	require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x25, 0x35, 0x35, 0x44, 0x43, 0x30, 0x31}}))

	payload, ok := sess.Receive(time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte{0x62, 0xF1, 0x87, 0x39, 0x37, 0x32, 0x35, 0x35, 0x44, 0x43}, payload)
}

func TestStrictSequencingRejectsOutOfOrder(t *testing.T) {
	rd, testerMock, ecuMock := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB, WithStrictSequencing())
	require.NoError(t, err)

	require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x10, 0x0A, 0x62, 0xF1, 0x87, 0x39, 0x37, 0x32}}))
	require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x25, 0x35, 0x35, 0x44, 0x43, 0x30, 0x31}}))

	_, ok := sess.Receive(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestFlowControlOverflowAbortsSend(t *testing.T) {
	rd, testerMock, ecuMock := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB)
	require.NoError(t, err)

	go func() {
		require.Eventually(t, func() bool {
			for _, f := range testerMock.Sent() {
				if f.ID == 0x7B3 && f.Data[0]>>4 == 0x1 {
					return true
				}
			}
			return false
		}, time.Second, time.Millisecond)
		require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x32, 0x00, 0x00, 0, 0, 0, 0, 0}}))
	}()

	data := make([]byte, 20)
	ok, err := sess.Send(data)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFlowControlTimeoutAbortsSend(t *testing.T) {
	rd, testerMock, _ := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB, WithFlowControlTimeout(20*time.Millisecond))
	require.NoError(t, err)

	data := make([]byte, 20)
	ok, sendErr := sess.Send(data)
	assert.False(t, ok)
	assert.ErrorIs(t, sendErr, ErrFlowControlTimeout)
}

func TestSendHookObservesEveryTransmittedFrame(t *testing.T) {
	rd, testerMock, _ := newTesterSide(t)
	mgr := NewManager(rd, testerMock)

	var mu sync.Mutex
	var seen []frame.Frame
	sess, err := mgr.Get(0x7B3, 0x7BB, WithSendHook(func(f frame.Frame) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	}))
	require.NoError(t, err)

	ok, err := sess.Send([]byte{0x22, 0xF1, 0x87})
	require.NoError(t, err)
	assert.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, []byte{0x03, 0x22, 0xF1, 0x87, 0x00, 0x00, 0x00, 0x00}, seen[0].Data)
}

func TestManagerReusesSessionForSameKey(t *testing.T) {
	rd, testerMock, _ := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	s1, err := mgr.Get(0x7B3, 0x7BB)
	require.NoError(t, err)
	s2, err := mgr.Get(0x7B3, 0x7BB)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	rd, testerMock, ecuMock := newTesterSide(t)
	mgr := NewManager(rd, testerMock)
	sess, err := mgr.Get(0x7B3, 0x7BB)
	require.NoError(t, err)
	_, err = mgr.Get(0x7C0, 0x7CB)
	require.NoError(t, err)

	mgr.Shutdown()

	// A closed session's Receive must not block on stale subscription
	// state — it returns immediately rather than waiting out the timeout.
	require.NoError(t, ecuMock.Send(frame.Frame{ID: 0x7BB, Data: []byte{0x01, 0xAA, 0, 0, 0, 0, 0, 0}}))
	start := time.Now()
	_, ok := sess.Receive(time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
