package vgic

import (
	"fmt"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
)

// GIC distributor register offsets.
const (
	gicdCtlr       = 0x0000
	gicdTyper      = 0x0004
	gicdIidr       = 0x0008
	gicdIgroupr    = 0x0080
	gicdIsenabler  = 0x0100
	gicdIcenabler  = 0x0180
	gicdIspendr    = 0x0200
	gicdIcpendr    = 0x0280
	gicdIsactiver  = 0x0300
	gicdIcactiver  = 0x0380
	gicdIpriorityr = 0x0400
	gicdItargetsr  = 0x0800
	gicdIcfgr      = 0x0C00
	gicdSgir       = 0x0F00
	gicdIrouter    = 0x6000
	gicdPidr2      = 0xFFE8
)

// Redistributor register offsets (v3).
const (
	gicrCtlr       = 0x0000
	gicrTyper      = 0x0008
	gicrWaker      = 0x0014
	gicrSGIOffset  = 0x10000
	gicrIgroupr0   = gicrSGIOffset + 0x0080
	gicrIsenabler0 = gicrSGIOffset + 0x0100
	gicrIcenabler0 = gicrSGIOffset + 0x0180
	gicrIspendr0   = gicrSGIOffset + 0x0200
	gicrIcpendr0   = gicrSGIOffset + 0x0280
	gicrIpriorityr = gicrSGIOffset + 0x0400

	// RedistStride is the per-vCPU redistributor footprint (RD + SGI
	// frames).
	RedistStride = 0x20000
)

const (
	gicArchRevV2 = 0x20
	gicArchRevV3 = 0x30
)

// DistSize is the distributor MMIO window.
const DistSize = 0x10000

// DistHandler exposes the distributor as an emulated device.
type DistHandler struct {
	d *Dist
}

// Distributor returns the MMIO facade for the virtual distributor.
func (d *Dist) Distributor() *DistHandler { return &DistHandler{d: d} }

func (h *DistHandler) Kind() emudev.Kind { return emudev.KindVGicD }

func (h *DistHandler) Region() hv.MMIORegion {
	return hv.MMIORegion{Address: h.d.distBase, Size: DistSize}
}

func (h *DistHandler) HandleRead(addr uint64, width int) (uint64, error) {
	if width != 4 {
		return 0, fmt.Errorf("vgicd: width %d: %w", width, hv.ErrInvalidArgument)
	}
	off := addr - h.d.distBase
	d := h.d

	switch {
	case off == gicdCtlr:
		d.mu.Lock()
		defer d.mu.Unlock()
		return uint64(d.ctlr), nil
	case off == gicdTyper:
		itLines := (len(d.irqs) + SPIBase) / 32
		if itLines > 0 {
			itLines--
		}
		return uint64(itLines) | uint64(len(d.cpus)-1)<<5, nil
	case off == gicdIidr:
		return 0x43b, nil
	case off == gicdPidr2:
		if d.version == V3 {
			return gicArchRevV3, nil
		}
		return gicArchRevV2, nil
	case off >= gicdIsenabler && off < gicdIsenabler+0x80:
		return uint64(d.readBits(off-gicdIsenabler, func(s *irqState) bool { return s.enabled })), nil
	case off >= gicdIcenabler && off < gicdIcenabler+0x80:
		return uint64(d.readBits(off-gicdIcenabler, func(s *irqState) bool { return s.enabled })), nil
	case off >= gicdIspendr && off < gicdIspendr+0x80:
		return uint64(d.readBits(off-gicdIspendr, func(s *irqState) bool { return s.pending })), nil
	case off >= gicdIcpendr && off < gicdIcpendr+0x80:
		return uint64(d.readBits(off-gicdIcpendr, func(s *irqState) bool { return s.pending })), nil
	case off >= gicdIsactiver && off < gicdIsactiver+0x80:
		return uint64(d.readBits(off-gicdIsactiver, func(s *irqState) bool { return s.active })), nil
	case off >= gicdIcactiver && off < gicdIcactiver+0x80:
		return uint64(d.readBits(off-gicdIcactiver, func(s *irqState) bool { return s.active })), nil
	case off >= gicdIpriorityr && off < gicdIpriorityr+0x400:
		return d.readPriority(off - gicdIpriorityr), nil
	case off >= gicdItargetsr && off < gicdItargetsr+0x400:
		return d.readTargets(off - gicdItargetsr), nil
	case off >= gicdIcfgr && off < gicdIcfgr+0x100:
		return d.readConfig(off - gicdIcfgr), nil
	case d.version == V3 && off >= gicdIrouter && off < gicdIrouter+0x2000:
		irq := uint32((off - gicdIrouter) / 8)
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			// Affinity-routed target: the lowest set vCPU in the mask.
			for v := 0; v < len(d.cpus); v++ {
				if s.targets>>uint(v)&1 != 0 {
					return uint64(v), nil
				}
			}
		}
		return 0, nil
	}
	return 0, nil
}

func (h *DistHandler) HandleWrite(addr uint64, width int, val uint64) error {
	if width != 4 && !(width == 1 && addrInByteField(addr-h.d.distBase)) {
		return fmt.Errorf("vgicd: width %d: %w", width, hv.ErrInvalidArgument)
	}
	off := addr - h.d.distBase
	d := h.d

	switch {
	case off == gicdCtlr:
		d.mu.Lock()
		d.ctlr = uint32(val)
		d.mu.Unlock()
	case off >= gicdIsenabler && off < gicdIsenabler+0x80:
		d.writeBits(off-gicdIsenabler, uint32(val), func(s *irqState, irq uint32) {
			s.enabled = true
			d.mirror(irq, s)
		})
	case off >= gicdIcenabler && off < gicdIcenabler+0x80:
		d.writeBits(off-gicdIcenabler, uint32(val), func(s *irqState, irq uint32) {
			s.enabled = false
			d.mirror(irq, s)
		})
	case off >= gicdIspendr && off < gicdIspendr+0x80:
		d.writeBits(off-gicdIspendr, uint32(val), func(s *irqState, irq uint32) {
			s.pending = true
		})
	case off >= gicdIcpendr && off < gicdIcpendr+0x80:
		d.writeBits(off-gicdIcpendr, uint32(val), func(s *irqState, irq uint32) {
			s.pending = false
		})
	case off >= gicdIcactiver && off < gicdIcactiver+0x80:
		d.writeBits(off-gicdIcactiver, uint32(val), func(s *irqState, irq uint32) {
			s.active = false
		})
	case off >= gicdIpriorityr && off < gicdIpriorityr+0x400:
		d.writePriority(off-gicdIpriorityr, width, val)
	case off >= gicdItargetsr && off < gicdItargetsr+0x400:
		d.writeTargets(off-gicdItargetsr, width, val)
	case off >= gicdIcfgr && off < gicdIcfgr+0x100:
		d.writeConfig(off-gicdIcfgr, uint32(val))
	case d.version == V3 && off >= gicdIrouter && off < gicdIrouter+0x2000:
		irq := uint32((off - gicdIrouter) / 8)
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			s.targets = 1 << (val & 0xff)
			d.mirror(irq, s)
			s.mu.Unlock()
		}
	}
	return nil
}

func addrInByteField(off uint64) bool {
	return (off >= gicdIpriorityr && off < gicdIpriorityr+0x400) ||
		(off >= gicdItargetsr && off < gicdItargetsr+0x400)
}

// mirror forwards a guest reconfiguration of a pass-through interrupt to
// the physical distributor, within the VM's allow-mask. Called with the
// per-irq lock held.
func (d *Dist) mirror(irq uint32, s *irqState) {
	if !s.hw || d.phys == nil || !d.allowed[irq] {
		return
	}
	d.phys.SetEnable(irq, s.enabled)
	d.phys.SetPriority(irq, s.priority)
	d.phys.SetConfig(irq, s.edge)
	if s.physPcpu >= 0 {
		d.phys.SetTarget(irq, s.physPcpu)
	}
}

func (d *Dist) readBits(off uint64, get func(*irqState) bool) uint32 {
	base := uint32(off * 8)
	var out uint32
	for bit := uint32(0); bit < 32; bit++ {
		if s, ok := d.spi(base + bit); ok {
			s.mu.Lock()
			if get(s) {
				out |= 1 << bit
			}
			s.mu.Unlock()
		}
	}
	return out
}

func (d *Dist) writeBits(off uint64, val uint32, set func(*irqState, uint32)) {
	base := uint32(off * 8)
	for bit := uint32(0); bit < 32; bit++ {
		if val&(1<<bit) == 0 {
			continue
		}
		irq := base + bit
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			set(s, irq)
			s.mu.Unlock()
		}
	}
}

func (d *Dist) readPriority(off uint64) uint64 {
	var out uint64
	for i := uint64(0); i < 4; i++ {
		if s, ok := d.spi(uint32(off + i)); ok {
			s.mu.Lock()
			out |= uint64(s.priority) << (8 * i)
			s.mu.Unlock()
		}
	}
	return out
}

func (d *Dist) writePriority(off uint64, width int, val uint64) {
	n := uint64(width)
	for i := uint64(0); i < n; i++ {
		irq := uint32(off + i)
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			s.priority = uint8(val >> (8 * i))
			d.mirror(irq, s)
			s.mu.Unlock()
		}
	}
}

func (d *Dist) readTargets(off uint64) uint64 {
	var out uint64
	for i := uint64(0); i < 4; i++ {
		if s, ok := d.spi(uint32(off + i)); ok {
			s.mu.Lock()
			out |= uint64(s.targets) << (8 * i)
			s.mu.Unlock()
		}
	}
	return out
}

func (d *Dist) writeTargets(off uint64, width int, val uint64) {
	n := uint64(width)
	for i := uint64(0); i < n; i++ {
		irq := uint32(off + i)
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			s.targets = uint8(val >> (8 * i))
			d.mirror(irq, s)
			s.mu.Unlock()
		}
	}
}

func (d *Dist) readConfig(off uint64) uint64 {
	base := uint32(off * 4)
	var out uint64
	for i := uint32(0); i < 16; i++ {
		if s, ok := d.spi(base + i); ok {
			s.mu.Lock()
			if s.edge {
				out |= 2 << (2 * i)
			}
			s.mu.Unlock()
		}
	}
	return out
}

func (d *Dist) writeConfig(off uint64, val uint32) {
	base := uint32(off * 4)
	for i := uint32(0); i < 16; i++ {
		irq := base + i
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			s.edge = val>>(2*i)&2 != 0
			d.mirror(irq, s)
			s.mu.Unlock()
		}
	}
}

// RedistHandler exposes one vCPU's redistributor frame (v3 only).
type RedistHandler struct {
	d    *Dist
	vcpu int
}

// Redistributor returns the MMIO facade for one vCPU's redistributor.
func (d *Dist) Redistributor(vcpu int) *RedistHandler {
	return &RedistHandler{d: d, vcpu: vcpu}
}

func (h *RedistHandler) Kind() emudev.Kind { return emudev.KindVGicR }

func (h *RedistHandler) Region() hv.MMIORegion {
	return hv.MMIORegion{
		Address: h.d.redistBase + uint64(h.vcpu)*RedistStride,
		Size:    RedistStride,
	}
}

func (h *RedistHandler) base() uint64 {
	return h.d.redistBase + uint64(h.vcpu)*RedistStride
}

func (h *RedistHandler) HandleRead(addr uint64, width int) (uint64, error) {
	if width != 4 && width != 8 {
		return 0, fmt.Errorf("vgicr: width %d: %w", width, hv.ErrInvalidArgument)
	}
	off := addr - h.base()
	c, ok := h.d.cpu(h.vcpu)
	if !ok {
		return 0, nil
	}

	switch {
	case off == gicrCtlr:
		return 0, nil
	case off == gicrTyper:
		typer := uint64(h.vcpu) << 8
		if h.vcpu == len(h.d.cpus)-1 {
			typer |= 1 << 4 // last redistributor
		}
		return typer, nil
	case off == gicrWaker:
		return 0, nil
	case off == gicrIsenabler0, off == gicrIcenabler0:
		c.mu.Lock()
		defer c.mu.Unlock()
		return uint64(c.privEnabled), nil
	case off == gicrIspendr0, off == gicrIcpendr0:
		c.mu.Lock()
		defer c.mu.Unlock()
		return uint64(c.privPending), nil
	case off >= gicrIpriorityr && off < gicrIpriorityr+NumPriv:
		c.mu.Lock()
		defer c.mu.Unlock()
		i := off - gicrIpriorityr
		var out uint64
		for j := uint64(0); j < 4 && i+j < NumPriv; j++ {
			out |= uint64(c.privPrio[i+j]) << (8 * j)
		}
		return out, nil
	}
	return 0, nil
}

func (h *RedistHandler) HandleWrite(addr uint64, width int, val uint64) error {
	if width != 4 && width != 8 && width != 1 {
		return fmt.Errorf("vgicr: width %d: %w", width, hv.ErrInvalidArgument)
	}
	off := addr - h.base()
	c, ok := h.d.cpu(h.vcpu)
	if !ok {
		return nil
	}

	switch {
	case off == gicrIsenabler0:
		c.mu.Lock()
		c.privEnabled |= uint32(val)
		c.mu.Unlock()
	case off == gicrIcenabler0:
		c.mu.Lock()
		c.privEnabled &^= uint32(val)
		c.mu.Unlock()
	case off == gicrIspendr0:
		c.mu.Lock()
		c.privPending |= uint32(val)
		c.mu.Unlock()
	case off == gicrIcpendr0:
		c.mu.Lock()
		c.privPending &^= uint32(val)
		c.mu.Unlock()
	case off >= gicrIpriorityr && off < gicrIpriorityr+NumPriv:
		c.mu.Lock()
		i := off - gicrIpriorityr
		for j := uint64(0); j < uint64(width) && i+j < NumPriv; j++ {
			c.privPrio[i+j] = uint8(val >> (8 * j))
		}
		c.mu.Unlock()
	}
	return nil
}

var (
	_ emudev.Handler = (*DistHandler)(nil)
	_ emudev.Handler = (*RedistHandler)(nil)
)
