// Package vplic implements the per-VM virtual RISC-V Platform-Level
// Interrupt Controller with one context per vCPU.
package vplic

import (
	"fmt"
	"sync"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
)

// PLIC register map offsets.
const (
	priorityBase  = 0x000000
	pendingBase   = 0x001000
	enableBase    = 0x002000
	thresholdBase = 0x200000

	enableStride  = 0x80
	contextStride = 0x1000

	// MaxSources bounds the emulated source space.
	MaxSources = 1024

	// Size is the MMIO window of the controller.
	Size = 0x400000
)

// PhysOps is the physical-PLIC slice programmed directly for pass-through
// sources.
type PhysOps interface {
	SetEnable(source uint32, hart int, on bool)
	SetPriority(source uint32, prio uint32)
}

type context struct {
	enable    [MaxSources / 32]uint32
	threshold uint32
	claimed   uint32
}

// VPlic is the virtual controller for one VM.
type VPlic struct {
	mu sync.Mutex

	base uint64

	priority [MaxSources]uint32
	pending  [MaxSources / 32]uint32
	contexts []context

	phys    PhysOps
	allowed map[uint32]bool
	// physical hart hosting each context's vCPU, for pass-through routing
	hostHart []int

	// Kick requests that the vCPU re-evaluate its external interrupt.
	Kick func(vcpu int)
}

// Config describes the controller instance.
type Config struct {
	Base        uint64
	VCPUs       int
	Phys        PhysOps
	Passthrough []uint32
}

// New builds the virtual PLIC.
func New(cfg Config) (*VPlic, error) {
	if cfg.VCPUs <= 0 {
		return nil, fmt.Errorf("vplic: %d vcpus: %w", cfg.VCPUs, hv.ErrInvalidArgument)
	}
	p := &VPlic{
		base:     cfg.Base,
		contexts: make([]context, cfg.VCPUs),
		phys:     cfg.Phys,
		allowed:  make(map[uint32]bool),
		hostHart: make([]int, cfg.VCPUs),
	}
	for _, src := range cfg.Passthrough {
		if src > 0 && src < MaxSources {
			p.allowed[src] = true
		}
	}
	return p, nil
}

// Inject marks a source pending and kicks every context that has it
// enabled above threshold.
func (p *VPlic) Inject(source uint32) error {
	if source == 0 || source >= MaxSources {
		return fmt.Errorf("vplic: source %d: %w", source, hv.ErrInvalidArgument)
	}

	p.mu.Lock()
	p.pending[source/32] |= 1 << (source % 32)
	targets := p.eligibleLocked(source)
	p.mu.Unlock()

	if p.Kick != nil {
		for _, vcpu := range targets {
			p.Kick(vcpu)
		}
	}
	return nil
}

func (p *VPlic) eligibleLocked(source uint32) []int {
	var out []int
	for i := range p.contexts {
		c := &p.contexts[i]
		if c.enable[source/32]&(1<<(source%32)) != 0 && p.priority[source] > c.threshold {
			out = append(out, i)
		}
	}
	return out
}

// Claim returns the highest-priority pending enabled source for the
// context and clears its pending bit, or zero.
func (p *VPlic) Claim(vcpu int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimLocked(vcpu)
}

func (p *VPlic) claimLocked(vcpu int) uint32 {
	if vcpu < 0 || vcpu >= len(p.contexts) {
		return 0
	}
	c := &p.contexts[vcpu]

	best, bestPrio := uint32(0), uint32(0)
	for src := uint32(1); src < MaxSources; src++ {
		if p.pending[src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if c.enable[src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if p.priority[src] > c.threshold && p.priority[src] > bestPrio {
			best, bestPrio = src, p.priority[src]
		}
	}
	if best != 0 {
		p.pending[best/32] &^= 1 << (best % 32)
		c.claimed = best
	}
	return best
}

// Complete finishes the context's claimed source.
func (p *VPlic) Complete(vcpu int, source uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vcpu < 0 || vcpu >= len(p.contexts) {
		return
	}
	if p.contexts[vcpu].claimed == source {
		p.contexts[vcpu].claimed = 0
	}
}

// PendingFor reports whether the context has a claimable source.
func (p *VPlic) PendingFor(vcpu int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vcpu < 0 || vcpu >= len(p.contexts) {
		return false
	}
	c := &p.contexts[vcpu]
	for src := uint32(1); src < MaxSources; src++ {
		if p.pending[src/32]&(1<<(src%32)) != 0 &&
			c.enable[src/32]&(1<<(src%32)) != 0 &&
			p.priority[src] > c.threshold {
			return true
		}
	}
	return false
}

// MigrateAffinity reroutes pass-through sources enabled by the vCPU's
// context to its new physical hart.
func (p *VPlic) MigrateAffinity(vcpu int, newHart int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vcpu < 0 || vcpu >= len(p.contexts) {
		return
	}
	old := p.hostHart[vcpu]
	p.hostHart[vcpu] = newHart
	if p.phys == nil || old == newHart {
		return
	}
	c := &p.contexts[vcpu]
	for src := uint32(1); src < MaxSources; src++ {
		if !p.allowed[src] || c.enable[src/32]&(1<<(src%32)) == 0 {
			continue
		}
		p.phys.SetEnable(src, old, false)
		p.phys.SetEnable(src, newHart, true)
	}
}

func (p *VPlic) mirrorEnable(source uint32, vcpu int, on bool) {
	if p.phys == nil || !p.allowed[source] {
		return
	}
	p.phys.SetEnable(source, p.hostHart[vcpu], on)
}

// Handler exposes the controller as an emulated device.
type Handler struct {
	p *VPlic
}

// MMIO returns the emulated-device facade.
func (p *VPlic) MMIO() *Handler { return &Handler{p: p} }

func (h *Handler) Kind() emudev.Kind { return emudev.KindVPlic }

func (h *Handler) Region() hv.MMIORegion {
	return hv.MMIORegion{Address: h.p.base, Size: Size}
}

func (h *Handler) HandleRead(addr uint64, width int) (uint64, error) {
	if width != 4 {
		return 0, fmt.Errorf("vplic: width %d: %w", width, hv.ErrInvalidArgument)
	}
	off := addr - h.p.base
	p := h.p

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case off < pendingBase:
		src := off / 4
		if src < MaxSources {
			return uint64(p.priority[src]), nil
		}
	case off >= pendingBase && off < enableBase:
		word := (off - pendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}
	case off >= enableBase && off < thresholdBase:
		rel := off - enableBase
		ctxIdx := rel / enableStride
		word := rel % enableStride / 4
		if int(ctxIdx) < len(p.contexts) && word < uint64(len(p.contexts[0].enable)) {
			return uint64(p.contexts[ctxIdx].enable[word]), nil
		}
	case off >= thresholdBase:
		rel := off - thresholdBase
		ctxIdx := rel / contextStride
		reg := rel % contextStride
		if int(ctxIdx) < len(p.contexts) {
			switch reg {
			case 0:
				return uint64(p.contexts[ctxIdx].threshold), nil
			case 4:
				return uint64(p.claimLocked(int(ctxIdx))), nil
			}
		}
	}
	return 0, nil
}

func (h *Handler) HandleWrite(addr uint64, width int, val uint64) error {
	if width != 4 {
		return fmt.Errorf("vplic: width %d: %w", width, hv.ErrInvalidArgument)
	}
	off := addr - h.p.base
	p := h.p

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case off < pendingBase:
		src := off / 4
		if src > 0 && src < MaxSources {
			p.priority[src] = uint32(val) & 7
			if p.phys != nil && p.allowed[uint32(src)] {
				p.phys.SetPriority(uint32(src), p.priority[src])
			}
		}
	case off >= enableBase && off < thresholdBase:
		rel := off - enableBase
		ctxIdx := int(rel / enableStride)
		word := rel % enableStride / 4
		if ctxIdx < len(p.contexts) && word < uint64(len(p.contexts[0].enable)) {
			old := p.contexts[ctxIdx].enable[word]
			p.contexts[ctxIdx].enable[word] = uint32(val)
			changed := old ^ uint32(val)
			for bit := uint32(0); bit < 32; bit++ {
				if changed&(1<<bit) == 0 {
					continue
				}
				src := uint32(word*32) + bit
				p.mirrorEnable(src, ctxIdx, uint32(val)&(1<<bit) != 0)
			}
		}
	case off >= thresholdBase:
		rel := off - thresholdBase
		ctxIdx := int(rel / contextStride)
		reg := rel % contextStride
		if ctxIdx < len(p.contexts) {
			switch reg {
			case 0:
				p.contexts[ctxIdx].threshold = uint32(val) & 7
			case 4:
				if p.contexts[ctxIdx].claimed == uint32(val) {
					p.contexts[ctxIdx].claimed = 0
				}
			}
		}
	}
	return nil
}

var _ emudev.Handler = (*Handler)(nil)
