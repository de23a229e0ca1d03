// Package vgic implements the per-VM virtual ARM Generic Interrupt
// Controller: distributor and redistributor MMIO emulation, list-register
// injection with a software pending queue, and partial pass-through (GPPT)
// for guest-owned physical interrupts.
package vgic

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

// Version selects the emulated GIC architecture revision.
type Version int

const (
	V2 Version = 2
	V3 Version = 3
)

// Interrupt id space layout.
const (
	NumSGI  = 16
	NumPPI  = 16
	NumPriv = NumSGI + NumPPI // banked per vCPU
	SPIBase = 32

	// MaxIRQ bounds the emulated SPI space.
	MaxIRQ = 512

	// SpuriousIRQ is returned by acknowledge when nothing is pending.
	SpuriousIRQ = 1023
)

// NumLR is the number of list registers the virtual CPU interface exposes,
// matching GIC-400.
const NumLR = 4

// PhysOps is the slice of the physical distributor that partial
// pass-through programs directly, bypassing trap-and-emulate for
// guest-owned interrupts.
type PhysOps interface {
	SetEnable(irq uint32, on bool)
	SetPriority(irq uint32, prio uint8)
	SetTarget(irq uint32, pcpu int)
	SetConfig(irq uint32, edge bool)
}

// irqState is one SPI's distributor state. The per-interrupt lock
// serialises routing changes against injection and GPPT mirroring.
type irqState struct {
	mu sync.Mutex

	enabled  bool
	pending  bool
	active   bool
	priority uint8
	targets  uint8 // target-vCPU mask
	edge     bool
	hw       bool // listed in the VM's passthrough set
	physPcpu int  // physical routing for hw interrupts
}

type pendingEntry struct {
	irq      uint32
	priority uint8
	seq      uint64
}

// cpuIf is the banked per-vCPU state: SGI/PPI slots, the list registers,
// and the software pending queue drained on maintenance.
type cpuIf struct {
	mu sync.Mutex

	vcpu int

	privEnabled uint32
	privPending uint32
	privActive  uint32
	privPrio    [NumPriv]uint8

	lr      [NumLR]listRegister
	sw      []pendingEntry
	seq     uint64
	eoiSeen uint64
}

type listRegister struct {
	valid    bool
	irq      uint32
	active   bool
	priority uint8
	hw       bool
}

// Dist is a per-VM virtual distributor.
type Dist struct {
	version Version
	vmid    uint32
	log     *slog.Logger

	distBase   uint64
	redistBase uint64

	mu   sync.Mutex
	ctlr uint32

	irqs []irqState
	cpus []*cpuIf

	phys    PhysOps
	allowed map[uint32]bool

	// Kick requests that the vCPU re-evaluate its interrupt state; wired
	// to the scheduler's wake path by the VM.
	Kick func(vcpu int)
}

// Config describes the controller instance for one VM.
type Config struct {
	Version    Version
	VMID       uint32
	VCPUs      int
	SPIs       int
	DistBase   uint64
	RedistBase uint64
	Phys       PhysOps
	// Passthrough lists the physical interrupt ids the VM owns (GPPT).
	Passthrough []uint32
	Log         *slog.Logger
}

// New builds the virtual controller.
func New(cfg Config) (*Dist, error) {
	if cfg.SPIs <= 0 || cfg.SPIs > MaxIRQ-SPIBase {
		return nil, fmt.Errorf("vgic: %d spis: %w", cfg.SPIs, hv.ErrInvalidArgument)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	d := &Dist{
		version:    cfg.Version,
		vmid:       cfg.VMID,
		log:        cfg.Log,
		distBase:   cfg.DistBase,
		redistBase: cfg.RedistBase,
		irqs:       make([]irqState, cfg.SPIs),
		cpus:       make([]*cpuIf, cfg.VCPUs),
		phys:       cfg.Phys,
		allowed:    make(map[uint32]bool),
	}
	for i := range d.cpus {
		d.cpus[i] = &cpuIf{vcpu: i}
	}
	for i := range d.irqs {
		d.irqs[i].targets = 1
		d.irqs[i].physPcpu = -1
	}
	for _, irq := range cfg.Passthrough {
		if irq >= SPIBase && irq < uint32(SPIBase+cfg.SPIs) {
			d.allowed[irq] = true
			d.irqs[irq-SPIBase].hw = true
		}
	}
	return d, nil
}

// Version returns the emulated architecture revision.
func (d *Dist) Version() Version { return d.version }

func (d *Dist) spi(irq uint32) (*irqState, bool) {
	if irq < SPIBase || irq >= uint32(SPIBase+len(d.irqs)) {
		return nil, false
	}
	return &d.irqs[irq-SPIBase], true
}

func (d *Dist) cpu(vcpu int) (*cpuIf, bool) {
	if vcpu < 0 || vcpu >= len(d.cpus) {
		return nil, false
	}
	return d.cpus[vcpu], true
}

// Inject makes irq pending for the target vCPU. Private interrupts
// (irq < 32) go to the named vCPU's banked state; SPIs consult the
// distributor. If no list register is free the interrupt queues in the
// software pending list and is drained, highest priority first and FIFO
// within a priority, when a register frees.
func (d *Dist) Inject(vcpu int, irq uint32) error {
	c, ok := d.cpu(vcpu)
	if !ok {
		return fmt.Errorf("vgic: inject irq %d to vcpu %d: %w", irq, vcpu, hv.ErrInvalidArgument)
	}

	var prio uint8
	if irq < NumPriv {
		c.mu.Lock()
		c.privPending |= 1 << irq
		prio = c.privPrio[irq]
		enabled := c.privEnabled&(1<<irq) != 0
		c.mu.Unlock()
		if !enabled {
			return nil
		}
	} else {
		s, ok := d.spi(irq)
		if !ok {
			return fmt.Errorf("vgic: inject irq %d: %w", irq, hv.ErrInvalidArgument)
		}
		s.mu.Lock()
		s.pending = true
		prio = s.priority
		enabled := s.enabled
		s.mu.Unlock()
		if !enabled {
			return nil
		}
	}

	c.offer(irq, prio)
	if d.Kick != nil {
		d.Kick(vcpu)
	}
	return nil
}

// offer places the interrupt in a free list register or queues it.
func (c *cpuIf) offer(irq uint32, prio uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.lr {
		if c.lr[i].valid && c.lr[i].irq == irq && !c.lr[i].active {
			return // already pending in a list register
		}
	}
	for i := range c.lr {
		if !c.lr[i].valid {
			c.lr[i] = listRegister{valid: true, irq: irq, priority: prio}
			return
		}
	}
	for _, e := range c.sw {
		if e.irq == irq {
			return
		}
	}
	c.seq++
	c.sw = append(c.sw, pendingEntry{irq: irq, priority: prio, seq: c.seq})
}

// Acknowledge returns the highest-priority pending interrupt for the vCPU
// and marks it active, or SpuriousIRQ.
func (d *Dist) Acknowledge(vcpu int) uint32 {
	c, ok := d.cpu(vcpu)
	if !ok {
		return SpuriousIRQ
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	for i := range c.lr {
		if !c.lr[i].valid || c.lr[i].active {
			continue
		}
		if best < 0 || c.lr[i].priority < c.lr[best].priority {
			best = i
		}
	}
	if best < 0 {
		return SpuriousIRQ
	}
	c.lr[best].active = true

	irq := c.lr[best].irq
	if irq >= SPIBase {
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			s.pending, s.active = false, true
			s.mu.Unlock()
		}
	} else {
		c.privPending &^= 1 << irq
		c.privActive |= 1 << irq
	}
	return irq
}

// Complete handles the guest's end-of-interrupt write: the interrupt's
// active state clears, its list register frees, and the software pending
// queue drains in priority-then-FIFO order. This is the engine's
// maintenance-interrupt path.
func (d *Dist) Complete(vcpu int, irq uint32) {
	c, ok := d.cpu(vcpu)
	if !ok {
		return
	}

	c.mu.Lock()
	for i := range c.lr {
		if c.lr[i].valid && c.lr[i].irq == irq && c.lr[i].active {
			c.lr[i] = listRegister{}
			break
		}
	}
	c.eoiSeen++
	c.drainLocked()
	c.mu.Unlock()

	if irq >= SPIBase {
		if s, ok := d.spi(irq); ok {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	} else {
		c.mu.Lock()
		c.privActive &^= 1 << irq
		c.mu.Unlock()
	}
}

func (c *cpuIf) drainLocked() {
	for {
		free := -1
		for i := range c.lr {
			if !c.lr[i].valid {
				free = i
				break
			}
		}
		if free < 0 || len(c.sw) == 0 {
			return
		}
		sort.SliceStable(c.sw, func(i, j int) bool {
			if c.sw[i].priority != c.sw[j].priority {
				return c.sw[i].priority < c.sw[j].priority
			}
			return c.sw[i].seq < c.sw[j].seq
		})
		e := c.sw[0]
		c.sw = c.sw[1:]
		c.lr[free] = listRegister{valid: true, irq: e.irq, priority: e.priority}
	}
}

// PendingIRQ reports the interrupt the vCPU would take on guest entry.
func (d *Dist) PendingIRQ(vcpu int) (uint32, bool) {
	c, ok := d.cpu(vcpu)
	if !ok {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	best := -1
	for i := range c.lr {
		if !c.lr[i].valid || c.lr[i].active {
			continue
		}
		if best < 0 || c.lr[i].priority < c.lr[best].priority {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return c.lr[best].irq, true
}

// SaveContext spills the per-vCPU interface state into the saved register
// context (world-switch save, migration stop-and-copy).
func (d *Dist) SaveContext(vcpu int, ctx *hv.Context) {
	c, ok := d.cpu(vcpu)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, lr := range c.lr {
		var w uint64
		if lr.valid {
			w = 1<<62 | uint64(lr.priority)<<48 | uint64(lr.irq)
			if lr.active {
				w |= 1 << 61
			}
			if lr.hw {
				w |= 1 << 60
			}
		}
		ctx.VIntr.LR[i] = w
	}
}

// RestoreContext loads the per-vCPU interface state from a saved context.
func (d *Dist) RestoreContext(vcpu int, ctx *hv.Context) {
	c, ok := d.cpu(vcpu)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lr {
		w := ctx.VIntr.LR[i]
		if w&(1<<62) == 0 {
			c.lr[i] = listRegister{}
			continue
		}
		c.lr[i] = listRegister{
			valid:    true,
			irq:      uint32(w & 0xffffff),
			priority: uint8(w >> 48),
			active:   w&(1<<61) != 0,
			hw:       w&(1<<60) != 0,
		}
	}
}

// MigrateAffinity reprograms the physical routing of every pass-through
// interrupt owned by the vCPU when it moves from one pCPU to another. Each
// interrupt's route changes atomically under its own lock before the guest
// resumes on the new core.
func (d *Dist) MigrateAffinity(vcpu int, newPcpu int) {
	mask := uint8(1) << uint(vcpu)
	for i := range d.irqs {
		s := &d.irqs[i]
		s.mu.Lock()
		if s.hw && s.targets&mask != 0 && s.physPcpu != newPcpu {
			s.physPcpu = newPcpu
			if d.phys != nil {
				d.phys.SetTarget(uint32(SPIBase+i), newPcpu)
			}
		}
		s.mu.Unlock()
	}
}

// EOICount returns how many completions the vCPU has signalled; tests use
// it to observe exactly-once delivery.
func (d *Dist) EOICount(vcpu int) uint64 {
	c, ok := d.cpu(vcpu)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eoiSeen
}
