package virtio

import (
	"fmt"
	"sync"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
)

// Device ids carried in the transport's DeviceID register.
const (
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDConsole = 3
)

// virtio-mmio (v2) register offsets.
const (
	regMagic          = 0x00
	regVersion        = 0x04
	regDeviceID       = 0x08
	regVendorID       = 0x0c
	regDeviceFeatures = 0x10
	regDeviceFeatSel  = 0x14
	regDriverFeatures = 0x20
	regDriverFeatSel  = 0x24
	regQueueSel       = 0x30
	regQueueNumMax    = 0x34
	regQueueNum       = 0x38
	regQueueReady     = 0x44
	regQueueNotify    = 0x50
	regIntStatus      = 0x60
	regIntAck         = 0x64
	regStatus         = 0x70
	regQueueDescLow   = 0x80
	regQueueDescHigh  = 0x84
	regQueueAvailLow  = 0x90
	regQueueAvailHigh = 0x94
	regQueueUsedLow   = 0xa0
	regQueueUsedHigh  = 0xa4
	regConfigGen      = 0xfc
	regConfig         = 0x100

	mmioMagic   = 0x74726976 // "virt"
	mmioVersion = 2
	vendorID    = 0x53485952

	// MMIOSize is the per-device transport window.
	MMIOSize = 0x200
)

// Interrupt status bits.
const (
	IntVRing  = 1 << 0
	IntConfig = 1 << 1
)

// Device is the transport-independent half of an emulated virtio device.
type Device interface {
	DeviceID() uint16
	DeviceFeatures() uint64
	MaxQueues() int

	ReadConfig(offset uint64, width int) uint64
	WriteConfig(offset uint64, width int, val uint64)

	// Notify handles a driver kick on the selected queue.
	Notify(queue int) error
}

// MMIODevice is the virtio-mmio transport wrapper registered on the
// emulated-device bus.
type MMIODevice struct {
	mu sync.Mutex

	kind emudev.Kind
	base uint64
	irq  uint32
	dev  Device

	queues []*Queue

	status     uint32
	intStatus  uint32
	featSel    uint32
	drvFeatSel uint32
	drvFeat    uint64
	queueSel   uint32

	// Interrupt raises the device's IRQ toward the owning VM's interrupt
	// controller.
	Interrupt func(irq uint32)
}

// NewMMIODevice builds a transport at base with the given interrupt id.
func NewMMIODevice(kind emudev.Kind, base uint64, irq uint32, mem GuestMemory, dev Device) *MMIODevice {
	m := &MMIODevice{kind: kind, base: base, irq: irq, dev: dev}
	for i := 0; i < dev.MaxQueues(); i++ {
		m.queues = append(m.queues, NewQueue(mem, 256))
	}
	return m
}

// Queue returns the transport's queue i.
func (m *MMIODevice) Queue(i int) *Queue {
	if i < 0 || i >= len(m.queues) {
		return nil
	}
	return m.queues[i]
}

// IRQ returns the device's interrupt id.
func (m *MMIODevice) IRQ() uint32 { return m.irq }

// RaiseInterrupt latches the ring-interrupt bit and asserts the device IRQ.
func (m *MMIODevice) RaiseInterrupt() {
	m.mu.Lock()
	m.intStatus |= IntVRing
	fn := m.Interrupt
	m.mu.Unlock()
	if fn != nil {
		fn(m.irq)
	}
}

func (m *MMIODevice) Kind() emudev.Kind { return m.kind }

func (m *MMIODevice) Region() hv.MMIORegion {
	return hv.MMIORegion{Address: m.base, Size: MMIOSize}
}

func (m *MMIODevice) selQueue() *Queue {
	if int(m.queueSel) < len(m.queues) {
		return m.queues[m.queueSel]
	}
	return nil
}

func (m *MMIODevice) HandleRead(addr uint64, width int) (uint64, error) {
	off := addr - m.base
	if off >= regConfig {
		return m.dev.ReadConfig(off-regConfig, width), nil
	}
	if width != 4 {
		return 0, fmt.Errorf("virtio: register read width %d: %w", width, hv.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch off {
	case regMagic:
		return mmioMagic, nil
	case regVersion:
		return mmioVersion, nil
	case regDeviceID:
		return uint64(m.dev.DeviceID()), nil
	case regVendorID:
		return vendorID, nil
	case regDeviceFeatures:
		feats := m.dev.DeviceFeatures()
		if m.featSel == 1 {
			return feats >> 32, nil
		}
		return feats & 0xffffffff, nil
	case regQueueNumMax:
		if q := m.selQueue(); q != nil {
			return uint64(q.MaxSize), nil
		}
		return 0, nil
	case regQueueReady:
		if q := m.selQueue(); q != nil && q.Ready {
			return 1, nil
		}
		return 0, nil
	case regIntStatus:
		return uint64(m.intStatus), nil
	case regStatus:
		return uint64(m.status), nil
	case regConfigGen:
		return 0, nil
	}
	return 0, nil
}

func (m *MMIODevice) HandleWrite(addr uint64, width int, val uint64) error {
	off := addr - m.base
	if off >= regConfig {
		m.dev.WriteConfig(off-regConfig, width, val)
		return nil
	}
	if width != 4 {
		return fmt.Errorf("virtio: register write width %d: %w", width, hv.ErrInvalidArgument)
	}

	m.mu.Lock()
	q := m.selQueue()

	switch off {
	case regDeviceFeatSel:
		m.featSel = uint32(val)
	case regDriverFeatSel:
		m.drvFeatSel = uint32(val)
	case regDriverFeatures:
		if m.drvFeatSel == 1 {
			m.drvFeat = m.drvFeat&0xffffffff | val<<32
		} else {
			m.drvFeat = m.drvFeat&^uint64(0xffffffff) | val&0xffffffff
		}
	case regQueueSel:
		m.queueSel = uint32(val)
	case regQueueNum:
		if q != nil {
			if err := q.SetSize(uint16(val)); err != nil {
				m.mu.Unlock()
				return err
			}
		}
	case regQueueReady:
		if q != nil {
			q.Ready = val&1 != 0
		}
	case regQueueDescLow:
		if q != nil {
			q.DescAddr = q.DescAddr&^uint64(0xffffffff) | val&0xffffffff
		}
	case regQueueDescHigh:
		if q != nil {
			q.DescAddr = q.DescAddr&0xffffffff | val<<32
		}
	case regQueueAvailLow:
		if q != nil {
			q.AvailAddr = q.AvailAddr&^uint64(0xffffffff) | val&0xffffffff
		}
	case regQueueAvailHigh:
		if q != nil {
			q.AvailAddr = q.AvailAddr&0xffffffff | val<<32
		}
	case regQueueUsedLow:
		if q != nil {
			q.UsedAddr = q.UsedAddr&^uint64(0xffffffff) | val&0xffffffff
		}
	case regQueueUsedHigh:
		if q != nil {
			q.UsedAddr = q.UsedAddr&0xffffffff | val<<32
		}
	case regIntAck:
		m.intStatus &^= uint32(val)
	case regStatus:
		m.status = uint32(val)
		if val == 0 {
			for _, q := range m.queues {
				q.Reset()
			}
		}
	case regQueueNotify:
		m.mu.Unlock()
		return m.dev.Notify(int(val))
	}
	m.mu.Unlock()
	return nil
}

var _ emudev.Handler = (*MMIODevice)(nil)
