// Package trap is the world-switch entry core: it takes decoded guest
// exits and routes them to emulated-device MMIO, hypercall handlers,
// system-register emulation or the interrupt layer.
package trap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/vcpu"
)

// instLen is the guest instruction footprint skipped when an access is
// emulated. Both supported architectures use fixed 4-byte encodings at the
// trap sites the engine emulates.
const instLen = 4

// VMView is what the dispatcher needs from the VM owning a trapping vCPU.
type VMView interface {
	Bus() *emudev.Bus
	// HandleWriteFault services a dirty-tracking permission fault.
	HandleWriteFault(ipa uint64) bool
	// PopulateOnDemand maps a lazily-backed page (migration destination,
	// deferred load). It returns hv.ErrUnmapped when the address is not
	// in a lazy region.
	PopulateOnDemand(ipa uint64) error
	// IsMVM reports whether this VM holds management privilege.
	IsMVM() bool
	// PendingIRQ returns the interrupt the vCPU would take on entry.
	PendingIRQ(vcpuID int) (uint32, bool)
}

// HypercallHandler services one hypercall group. The returned word is
// written to the caller's first argument register.
type HypercallHandler func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error)

// SysRegHandler emulates one trapped system-register encoding.
type SysRegHandler func(v *vcpu.VCpu, acc hv.SysRegAccess) error

// IRQRoute resolves physical interrupt ownership.
type IRQRoute struct {
	VMID  uint32
	VCpu  int
	Owned bool
}

// Dispatcher routes guest exits. One instance serves all pCPUs; its tables
// are populated at boot and read-mostly afterwards.
type Dispatcher struct {
	log *slog.Logger

	// Resolve maps a vCPU's owner to the VM view.
	Resolve func(vmid uint32) VMView
	// RouteIRQ resolves a physical interrupt to its guest owner.
	RouteIRQ func(irq uint32) IRQRoute
	// InjectIRQ delivers a guest-owned interrupt.
	InjectIRQ func(vmid uint32, vcpuID int, irq uint32) error
	// TimerTick handles a hypervisor timer interrupt on the pCPU.
	TimerTick func(p *vcpu.Pcpu)

	mu       sync.RWMutex
	groups   map[uint8]HypercallHandler
	privMask map[uint8]bool
	sysregs  map[uint32]SysRegHandler
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		log:      logger,
		groups:   make(map[uint8]HypercallHandler),
		privMask: make(map[uint8]bool),
		sysregs:  make(map[uint32]SysRegHandler),
	}
}

// RegisterGroup installs a hypercall group handler. Privileged groups are
// accepted only from the management VM.
func (d *Dispatcher) RegisterGroup(group uint8, privileged bool, h HypercallHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.groups[group]; dup {
		return fmt.Errorf("trap: hypercall group 0x%x: %w", group, hv.ErrAlreadyExists)
	}
	d.groups[group] = h
	d.privMask[group] = privileged
	return nil
}

// RegisterSysReg installs an emulation for one trapped encoding.
func (d *Dispatcher) RegisterSysReg(key uint32, h SysRegHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.sysregs[key]; dup {
		return fmt.Errorf("trap: sysreg key 0x%x: %w", key, hv.ErrAlreadyExists)
	}
	d.sysregs[key] = h
	return nil
}

// Handle implements vcpu.TrapSink.
func (d *Dispatcher) Handle(p *vcpu.Pcpu, v *vcpu.VCpu, exit hv.Exit) error {
	// Asynchronous interrupts are routed by ownership, not by the
	// currently-resident vCPU.
	if exit.Kind == hv.ExitIRQ {
		return d.handleIRQ(p, exit.IRQ)
	}

	vm := d.Resolve(v.Owner().VMID())
	if vm == nil {
		return fmt.Errorf("trap: vm %d vanished: %w", v.Owner().VMID(), hv.ErrNotFound)
	}

	switch exit.Kind {
	case hv.ExitMMIO:
		return d.handleMMIO(vm, v, exit.MMIO)
	case hv.ExitFault:
		return d.handleFault(vm, v, exit.Fault)
	case hv.ExitHypercall:
		d.handleHypercall(vm, v, exit.Call)
		return nil
	case hv.ExitSysReg:
		return d.handleSysReg(v, exit.Sys)
	case hv.ExitWFI:
		return d.handleWFI(p, v, vm)
	case hv.ExitUndefined:
		d.injectUndefined(v)
		return nil
	case hv.ExitNone:
		return nil
	}
	return fmt.Errorf("trap: exit kind %d: %w", exit.Kind, hv.ErrUnsupported)
}

func (d *Dispatcher) handleMMIO(vm VMView, v *vcpu.VCpu, access hv.MMIOAccess) error {
	if !access.Write {
		access.Value = 0
	} else {
		access.Value = v.Ctx.Reg(access.Reg)
		if access.Width < 8 {
			access.Value &= 1<<(8*uint(access.Width)) - 1
		}
	}

	handled, err := vm.Bus().Dispatch(&access)
	if err != nil {
		return err
	}
	if !handled {
		// The fault resolver already decided this address is device-like;
		// nothing claims it, so the guest sees an external abort.
		d.injectDataAbort(v, access.Addr)
		return nil
	}
	if !access.Write {
		v.Ctx.SetReg(access.Reg, access.Value)
	}
	v.Ctx.PC += instLen
	return nil
}

func (d *Dispatcher) handleFault(vm VMView, v *vcpu.VCpu, fault hv.Fault) error {
	if !fault.Translation && fault.Write {
		if vm.HandleWriteFault(fault.IPA) {
			return nil // dirty-tracking fault, retry the instruction
		}
	}
	if fault.Translation {
		err := vm.PopulateOnDemand(fault.IPA)
		if err == nil {
			return nil
		}
		if !fault.Fetch {
			d.injectDataAbort(v, fault.IPA)
			return nil
		}
	}
	d.injectDataAbort(v, fault.IPA)
	return nil
}

func (d *Dispatcher) handleHypercall(vm VMView, v *vcpu.VCpu, call hv.Hypercall) {
	d.mu.RLock()
	h, ok := d.groups[call.Group()]
	priv := d.privMask[call.Group()]
	d.mu.RUnlock()

	var ret uint64
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("trap: hypercall group 0x%x: %w", call.Group(), hv.ErrUnsupported)
	case priv && !vm.IsMVM():
		err = fmt.Errorf("trap: hypercall 0x%04x from unprivileged vm: %w", call.ID, hv.ErrPermissionDenied)
	default:
		ret, err = h(v, call)
	}

	retReg := 0
	if v.Ctx.Arch == hv.ArchitectureRISCV64 {
		retReg = 10 // a0
	}
	if err != nil {
		d.log.Debug("trap: hypercall failed", "id", fmt.Sprintf("0x%04x", call.ID), "err", err)
		v.Ctx.SetReg(retReg, uint64(hv.ReturnCode(err)))
	} else {
		v.Ctx.SetReg(retReg, ret)
	}
	if v.Ctx.Arch == hv.ArchitectureRISCV64 {
		// ECALL traps with sepc at the ecall itself; HVC already points
		// past the instruction.
		v.Ctx.PC += instLen
	}
}

func (d *Dispatcher) handleSysReg(v *vcpu.VCpu, acc hv.SysRegAccess) error {
	d.mu.RLock()
	h, ok := d.sysregs[acc.Key]
	d.mu.RUnlock()
	if !ok {
		d.injectUndefined(v)
		return nil
	}
	if err := h(v, acc); err != nil {
		return err
	}
	v.Ctx.PC += instLen
	return nil
}

func (d *Dispatcher) handleWFI(p *vcpu.Pcpu, v *vcpu.VCpu, vm VMView) error {
	v.Ctx.PC += instLen
	if _, pending := vm.PendingIRQ(v.ID()); pending {
		return nil // an interrupt is already deliverable, keep running
	}
	return p.Block(v, vcpu.BlockWFI)
}

func (d *Dispatcher) handleIRQ(p *vcpu.Pcpu, irq uint32) error {
	route := d.RouteIRQ(irq)
	if !route.Owned {
		// Hypervisor-owned: timer tick, IPI or maintenance; the mailbox
		// drain in the run loop covers IPIs.
		if d.TimerTick != nil {
			d.TimerTick(p)
		}
		return nil
	}
	if d.InjectIRQ == nil {
		return nil
	}
	return d.InjectIRQ(route.VMID, route.VCpu, irq)
}

// injectDataAbort reflects a synchronous external abort into the guest.
func (d *Dispatcher) injectDataAbort(v *vcpu.VCpu, addr uint64) {
	switch v.Ctx.Arch {
	case hv.ArchitectureARM64:
		v.Ctx.Sys[hv.RegisterARM64EsrEl1] = 0x96000010 // DABT, external
		v.Ctx.Sys[hv.RegisterARM64FarEl1] = addr
		v.Ctx.Sys[hv.RegisterARM64ElrEl1] = v.Ctx.PC
		v.Ctx.Sys[hv.RegisterARM64SpsrEl1] = v.Ctx.Flags
		v.Ctx.PC = v.Ctx.Sys[hv.RegisterARM64VbarEl1] + 0x200
	case hv.ArchitectureRISCV64:
		v.Ctx.Sys[hv.RegisterRV64Scause] = 7 // store/AMO access fault
		v.Ctx.Sys[hv.RegisterRV64Stval] = addr
		v.Ctx.Sys[hv.RegisterRV64Sepc] = v.Ctx.PC
		v.Ctx.PC = v.Ctx.Sys[hv.RegisterRV64Stvec] &^ 0x3
	}
}

// injectUndefined reflects an undefined-instruction exception into the
// guest.
func (d *Dispatcher) injectUndefined(v *vcpu.VCpu) {
	switch v.Ctx.Arch {
	case hv.ArchitectureARM64:
		v.Ctx.Sys[hv.RegisterARM64EsrEl1] = 0 // EC 0: unknown reason
		v.Ctx.Sys[hv.RegisterARM64ElrEl1] = v.Ctx.PC
		v.Ctx.Sys[hv.RegisterARM64SpsrEl1] = v.Ctx.Flags
		v.Ctx.PC = v.Ctx.Sys[hv.RegisterARM64VbarEl1] + 0x200
	case hv.ArchitectureRISCV64:
		v.Ctx.Sys[hv.RegisterRV64Scause] = 2 // illegal instruction
		v.Ctx.Sys[hv.RegisterRV64Sepc] = v.Ctx.PC
		v.Ctx.PC = v.Ctx.Sys[hv.RegisterRV64Stvec] &^ 0x3
	}
}

var _ vcpu.TrapSink = (*Dispatcher)(nil)
