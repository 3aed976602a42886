package reader

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Albert245/CanX/pkg/bus"
	"github.com/Albert245/CanX/pkg/frame"
)

func newTestReader(t *testing.T) (*Reader, *bus.Mock) {
	t.Helper()
	m := bus.NewMock()
	r := New(m, WithDefaultTimeout(30*time.Millisecond))
	r.Start()
	t.Cleanup(r.Stop)
	return r, m
}

func TestFanoutInvariant(t *testing.T) {
	r, m := newTestReader(t)

	var mu sync.Mutex
	var calls int
	require.NoError(t, r.Subscribe(0x100, func(f frame.Frame) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, "tp"))

	require.NoError(t, m.Send(frame.Frame{ID: 0x100, Data: []byte{1, 2}}))

	require.Eventually(t, func() bool {
		f, ok := r.GetFromDefault(0)
		return ok && f.ID == 0x100
	}, time.Second, time.Millisecond)

	f, ok, err := r.GetFromID(0x100, "", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, f.Data)

	named, err := r.WaitForNamed(0x100, "tp", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, named.Data)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)
}

func TestSubscribeFreshness(t *testing.T) {
	r, m := newTestReader(t)
	require.NoError(t, m.Send(frame.Frame{ID: 0x200, Data: []byte{0xAA}}))
	require.Eventually(t, func() bool {
		_, ok, _ := r.GetFromID(0x200, "", true)
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Subscribe(0x200, nil, "fresh"))
	_, ok, err := r.GetFromID(0x200, "fresh", true)
	require.NoError(t, err)
	assert.False(t, ok, "a fresh named queue must not see prior traffic")
}

func TestUnsubscribeNamedDropsOnlyThatQueue(t *testing.T) {
	r, _ := newTestReader(t)
	require.NoError(t, r.Subscribe(0x300, nil, "a"))
	require.NoError(t, r.Subscribe(0x300, nil, "b"))
	require.NoError(t, r.Unsubscribe(0x300, "a"))

	_, _, err := r.GetFromID(0x300, "a", true)
	require.NoError(t, err)
	st := r.ids[frame.ID(0x300)]
	_, stillThere := st.named["a"]
	assert.False(t, stillThere)
	_, bStillThere := st.named["b"]
	assert.True(t, bStillThere)
}

func TestInvalidIDRejected(t *testing.T) {
	r, _ := newTestReader(t)
	err := r.Subscribe("not-an-id", nil, "")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestCallbackPanicIsContained(t *testing.T) {
	r, m := newTestReader(t)
	require.NoError(t, r.Subscribe(0x400, func(frame.Frame) {
		panic("boom")
	}, ""))
	require.NoError(t, m.Send(frame.Frame{ID: 0x400, Data: []byte{1}}))

	// The reader loop must survive the panic and keep delivering frames.
	require.NoError(t, m.Send(frame.Frame{ID: 0x400, Data: []byte{2}}))
	require.Eventually(t, func() bool {
		f, ok := r.GetFromDefault(0)
		return ok && len(f.Data) == 1 && f.Data[0] == 2
	}, time.Second, time.Millisecond)
}

func TestReaperClearsSubscribedButKeepsRegistration(t *testing.T) {
	r, m := newTestReader(t)
	require.NoError(t, r.Subscribe(0x500, nil, "kept"))
	require.NoError(t, m.Send(frame.Frame{ID: 0x500, Data: []byte{9}}))
	require.Eventually(t, func() bool {
		_, ok, _ := r.GetFromID(0x500, "kept", true)
		return ok
	}, time.Second, time.Millisecond)

	r.reapOnce() // lastSeen is still fresh, no-op
	_, ok, _ := r.GetFromID(0x500, "kept", true)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond) // exceed the 30ms test timeout
	r.reapOnce()
	_, ok, _ = r.GetFromID(0x500, "kept", true)
	assert.False(t, ok, "stale buffer should be cleared")

	r.mapMu.Lock()
	_, stillRegistered := r.ids[frame.ID(0x500)]
	r.mapMu.Unlock()
	assert.True(t, stillRegistered, "subscribed id must remain registered")
}

func TestReaperDropsUnsubscribedID(t *testing.T) {
	r, m := newTestReader(t)
	require.NoError(t, m.Send(frame.Frame{ID: 0x600, Data: []byte{1}}))
	require.Eventually(t, func() bool {
		_, ok, _ := r.GetFromID(0x600, "", true)
		return ok
	}, time.Second, time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	r.reapOnce()

	r.mapMu.Lock()
	_, stillRegistered := r.ids[frame.ID(0x600)]
	r.mapMu.Unlock()
	assert.False(t, stillRegistered, "unsubscribed stale id should be dropped entirely")
}

func TestOnFrameSeesEveryFrameRegardlessOfSubscription(t *testing.T) {
	r, m := newTestReader(t)

	var mu sync.Mutex
	var seen []frame.ID
	r.OnFrame(func(f frame.Frame) {
		mu.Lock()
		seen = append(seen, f.ID)
		mu.Unlock()
	})

	require.NoError(t, m.Send(frame.Frame{ID: 0x701, Data: []byte{1}}))
	require.NoError(t, m.Send(frame.Frame{ID: 0x702, Data: []byte{2}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []frame.ID{0x701, 0x702}, seen)
}
