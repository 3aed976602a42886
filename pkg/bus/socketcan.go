package bus

import (
	"errors"
	"time"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	"github.com/Albert245/CanX/pkg/frame"
)

const canEFFFlag uint32 = 0x80000000
const canSFFMask uint32 = 0x1FFFFFFF

// SocketCANAdapter wraps github.com/brutella/can, the same library
// gocanopen's socketcan.go wraps. brutella/can is push-based (a
// subscribed Handle is invoked per frame); SocketCANAdapter bridges that
// into the pull-based Recv(timeout) every other package expects by
// fanning received frames into a small buffered channel.
type SocketCANAdapter struct {
	name    string
	channel *can.Bus
	rx      chan can.Frame
	closed  chan struct{}
}

// NewSocketCANAdapter opens a SocketCAN interface by name (e.g. "can0").
// name is the vendor adapter name used only for logging.
func NewSocketCANAdapter(name, channel string) (*SocketCANAdapter, error) {
	b, err := can.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	a := &SocketCANAdapter{
		name:    name,
		channel: b,
		rx:      make(chan can.Frame, 256),
		closed:  make(chan struct{}),
	}
	b.Subscribe(a)
	go func() {
		if err := b.ConnectAndPublish(); err != nil {
			log.Errorf("[BUS][%s] connection closed: %v", name, err)
		}
	}()
	return a, nil
}

// Handle implements brutella/can's frame handler interface.
func (a *SocketCANAdapter) Handle(f can.Frame) {
	select {
	case a.rx <- f:
	default:
		log.Warnf("[BUS][%s] rx buffer full, dropping frame %x", a.name, f.ID)
	}
}

func (a *SocketCANAdapter) Send(f frame.Frame) error {
	id := uint32(f.ID) & canSFFMask
	if f.Extended {
		id |= canEFFFlag
	}
	var data [8]byte
	n := copy(data[:], f.Data)
	out := can.Frame{ID: id, Length: uint8(n), Data: data}
	return a.channel.Publish(out)
}

func (a *SocketCANAdapter) Recv(timeout time.Duration) (frame.Frame, bool, error) {
	select {
	case f := <-a.rx:
		return frame.Frame{
			ID:       frame.ID(f.ID & canSFFMask),
			Extended: f.ID&canEFFFlag != 0,
			Data:     append([]byte(nil), f.Data[:f.Length]...),
		}, true, nil
	case <-time.After(timeout):
		return frame.Frame{}, false, nil
	case <-a.closed:
		return frame.Frame{}, false, errors.New("bus: adapter closed")
	}
}

func (a *SocketCANAdapter) Shutdown() error {
	select {
	case <-a.closed:
		return nil
	default:
		close(a.closed)
	}
	return a.channel.Disconnect()
}
