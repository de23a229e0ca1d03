package virtio

import (
	"fmt"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

const (
	netRxQueue = 0
	netTxQueue = 1

	// netHdrSize is the virtio_net_hdr prefix on every frame.
	netHdrSize = 12
)

// featureMacAddr advertises the MAC in config space.
const featureMacAddr = 1 << 5

// NetBackend receives guest transmit frames; the hypervisor-managed switch
// implements it and calls Deliver for the return path.
type NetBackend interface {
	Transmit(src *Net, frame []byte) error
}

// Net is the virtio-net device. Frames are copied once between guest rings
// and the switch: isolation over shared-memory efficiency.
type Net struct {
	mu        sync.Mutex
	mac       [6]byte
	transport *MMIODevice
	backend   NetBackend
}

// NewNet builds the device half with its station address.
func NewNet(mac [6]byte, backend NetBackend) *Net {
	return &Net{mac: mac, backend: backend}
}

// Attach binds the transport created around this device.
func (n *Net) Attach(t *MMIODevice) { n.transport = t }

// MAC returns the device's station address.
func (n *Net) MAC() [6]byte { return n.mac }

func (n *Net) DeviceID() uint16       { return DeviceIDNet }
func (n *Net) DeviceFeatures() uint64 { return featureMacAddr }
func (n *Net) MaxQueues() int         { return 2 }

func (n *Net) ReadConfig(offset uint64, width int) uint64 {
	var out uint64
	for i := 0; i < width; i++ {
		idx := offset + uint64(i)
		if idx < 6 {
			out |= uint64(n.mac[idx]) << (8 * i)
		}
	}
	return out
}

func (n *Net) WriteConfig(offset uint64, width int, val uint64) {}

// Notify services a transmit kick: frames leave the guest ring toward the
// switch.
func (n *Net) Notify(queue int) error {
	if queue != netTxQueue {
		return nil
	}
	q := n.transport.Queue(netTxQueue)
	if q == nil {
		return fmt.Errorf("virtio: net tx queue: %w", hv.ErrStateInvalid)
	}

	did := false
	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		chain, err := q.WalkChain(head, nil)
		if err != nil {
			return err
		}

		var frame []byte
		for _, buf := range chain {
			if buf.IsWrite {
				continue
			}
			data := make([]byte, buf.Length)
			if err := q.readGuest(buf.Addr, data); err != nil {
				return err
			}
			frame = append(frame, data...)
		}
		if len(frame) > netHdrSize && n.backend != nil {
			if err := n.backend.Transmit(n, frame[netHdrSize:]); err != nil {
				return fmt.Errorf("virtio: net transmit: %w", err)
			}
		}
		if err := q.PushUsed(head, 0); err != nil {
			return err
		}
		did = true
	}
	if did {
		n.transport.RaiseInterrupt()
	}
	return nil
}

// Deliver copies one frame into the guest's receive ring. Frames arriving
// while the guest has no posted buffers are dropped, as on a real wire.
func (n *Net) Deliver(frame []byte) error {
	q := n.transport.Queue(netRxQueue)
	if q == nil || !q.Ready {
		return nil
	}

	head, ok, err := q.PopAvail()
	if err != nil || !ok {
		return err
	}
	chain, err := q.WalkChain(head, nil)
	if err != nil {
		return err
	}

	payload := make([]byte, netHdrSize+len(frame))
	copy(payload[netHdrSize:], frame)

	written := 0
	for _, buf := range chain {
		if !buf.IsWrite || written == len(payload) {
			continue
		}
		m := min(len(payload)-written, int(buf.Length))
		if err := q.writeGuest(buf.Addr, payload[written:written+m]); err != nil {
			return err
		}
		written += m
	}
	if written < len(payload) {
		// Truncated delivery: drop rather than hand the guest half a
		// frame.
		return q.PushUsed(head, 0)
	}
	if err := q.PushUsed(head, uint32(written)); err != nil {
		return err
	}
	n.transport.RaiseInterrupt()
	return nil
}

var _ Device = (*Net)(nil)
