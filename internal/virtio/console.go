package virtio

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

const (
	consoleRxQueue = 0
	consoleTxQueue = 1
)

// Console is the virtio-console device. Guest transmit bytes flow to the
// sink (a pass-through UART for the MVM, an inter-VM channel otherwise);
// Input feeds the guest's receive ring.
type Console struct {
	mu        sync.Mutex
	transport *MMIODevice
	sink      io.Writer
}

// NewConsole builds the device half; Attach wires the transport.
func NewConsole(sink io.Writer) *Console {
	return &Console{sink: sink}
}

// Attach binds the transport created around this device.
func (c *Console) Attach(t *MMIODevice) { c.transport = t }

// SetSink swaps the output destination (console rebind).
func (c *Console) SetSink(sink io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Console) DeviceID() uint16       { return DeviceIDConsole }
func (c *Console) DeviceFeatures() uint64 { return 0 }
func (c *Console) MaxQueues() int         { return 2 }

func (c *Console) ReadConfig(offset uint64, width int) uint64 { return 0 }

func (c *Console) WriteConfig(offset uint64, width int, val uint64) {}

// Notify services a driver kick. Only the transmit queue requires work;
// receive progress happens when Input runs.
func (c *Console) Notify(queue int) error {
	if queue != consoleTxQueue {
		return nil
	}
	q := c.transport.Queue(consoleTxQueue)
	if q == nil {
		return fmt.Errorf("virtio: console tx queue: %w", hv.ErrStateInvalid)
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
		var sent uint32
		for _, buf := range chain {
			if buf.IsWrite {
				continue
			}
			data := make([]byte, buf.Length)
			if err := q.readGuest(buf.Addr, data); err != nil {
				return err
			}
			c.mu.Lock()
			sink := c.sink
			c.mu.Unlock()
			if sink != nil {
				if _, err := sink.Write(data); err != nil {
					return fmt.Errorf("virtio: console sink: %w", err)
				}
			}
			sent += buf.Length
		}
		if err := q.PushUsed(head, sent); err != nil {
			return err
		}
		did = true
	}
	if did {
		c.transport.RaiseInterrupt()
	}
	return nil
}

// Input delivers host bytes into the guest's receive ring. Returns the
// number of bytes accepted; zero when the guest posted no buffers.
func (c *Console) Input(p []byte) (int, error) {
	q := c.transport.Queue(consoleRxQueue)
	if q == nil || !q.Ready {
		return 0, nil
	}

	head, ok, err := q.PopAvail()
	if err != nil || !ok {
		return 0, err
	}
	chain, err := q.WalkChain(head, nil)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, buf := range chain {
		if !buf.IsWrite || written == len(p) {
			continue
		}
		n := min(len(p)-written, int(buf.Length))
		if err := q.writeGuest(buf.Addr, p[written:written+n]); err != nil {
			return written, err
		}
		written += n
	}
	if err := q.PushUsed(head, uint32(written)); err != nil {
		return written, err
	}
	c.transport.RaiseInterrupt()
	return written, nil
}

var _ Device = (*Console)(nil)
