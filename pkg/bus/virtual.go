package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Albert245/CanX/pkg/frame"
)

// VirtualAdapter is a TCP-framed loopback transport for the VirtualCAN
// adapter name, grounded on gocanopen's virtual.go (itself a client for
// windelbouwman/virtualcan), generalized to carry CAN-FD length payloads
// and the extended/FD flag bits spec.md §3 requires.
type VirtualAdapter struct {
	channel string
	conn    net.Conn
	rx      chan frame.Frame
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

const (
	flagExtended byte = 1 << 0
	flagFD       byte = 1 << 1
)

func serializeFrame(f frame.Frame) []byte {
	var flags byte
	if f.Extended {
		flags |= flagExtended
	}
	if f.FD {
		flags |= flagFD
	}
	body := make([]byte, 4+1+1+len(f.Data)+8)
	binary.BigEndian.PutUint32(body[0:4], uint32(f.ID))
	body[4] = flags
	body[5] = byte(len(f.Data))
	copy(body[6:6+len(f.Data)], f.Data)
	binary.BigEndian.PutUint64(body[6+len(f.Data):], math.Float64bits(f.Timestamp))

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	return append(header, body...)
}

func deserializeFrame(body []byte) (frame.Frame, error) {
	if len(body) < 6 {
		return frame.Frame{}, errors.New("bus: short virtual frame")
	}
	id := binary.BigEndian.Uint32(body[0:4])
	flags := body[4]
	length := int(body[5])
	if len(body) < 6+length+8 {
		return frame.Frame{}, errors.New("bus: truncated virtual frame")
	}
	data := append([]byte(nil), body[6:6+length]...)
	ts := math.Float64frombits(binary.BigEndian.Uint64(body[6+length:]))
	return frame.Frame{
		ID:        frame.ID(id),
		Extended:  flags&flagExtended != 0,
		FD:        flags&flagFD != 0,
		Data:      data,
		Timestamp: ts,
	}, nil
}

// NewVirtualAdapter dials a virtual CAN server (e.g. "localhost:18000").
func NewVirtualAdapter(channel string) (*VirtualAdapter, error) {
	conn, err := net.Dial("tcp", channel)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	a := &VirtualAdapter{
		channel: channel,
		conn:    conn,
		rx:      make(chan frame.Frame, 256),
		stop:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.readLoop()
	return a, nil
}

func (a *VirtualAdapter) readLoop() {
	defer a.wg.Done()
	header := make([]byte, 4)
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		a.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := readFull(a.conn, header); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.Errorf("[BUS][VirtualCAN] read loop closed: %v", err)
			return
		}
		length := binary.BigEndian.Uint32(header)
		body := make([]byte, length)
		if _, err := readFull(a.conn, body); err != nil {
			log.Errorf("[BUS][VirtualCAN] short read: %v", err)
			return
		}
		f, err := deserializeFrame(body)
		if err != nil {
			log.Warnf("[BUS][VirtualCAN] dropping malformed frame: %v", err)
			continue
		}
		select {
		case a.rx <- f:
		default:
			log.Warnf("[BUS][VirtualCAN] rx buffer full, dropping frame")
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *VirtualAdapter) Send(f frame.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("bus: virtual adapter closed")
	}
	_, err := a.conn.Write(serializeFrame(f))
	return err
}

func (a *VirtualAdapter) Recv(timeout time.Duration) (frame.Frame, bool, error) {
	select {
	case f := <-a.rx:
		return f, true, nil
	case <-time.After(timeout):
		return frame.Frame{}, false, nil
	}
}

func (a *VirtualAdapter) Shutdown() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	close(a.stop)
	a.wg.Wait()
	return a.conn.Close()
}
