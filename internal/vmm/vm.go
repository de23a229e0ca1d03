package vmm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/vcpu"
	"github.com/tinyrange/shyr/internal/vgic"
	"github.com/tinyrange/shyr/internal/virtio"
	"github.com/tinyrange/shyr/internal/vplic"
)

// State is the lifecycle state of a VM.
type State int

const (
	StateInactive State = iota
	StateConfigured
	StateBooting
	StateRunning
	StateSuspended
	StateMigrating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateConfigured:
		return "configured"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateMigrating:
		return "migrating"
	case StateTerminated:
		return "terminated"
	}
	return "invalid"
}

// IntrController is the per-VM virtual interrupt controller seen by the
// lifecycle and trap layers, implemented by the vGIC on ARM64 and by an
// adapter over the vPLIC on RV64.
type IntrController interface {
	Inject(vcpuID int, irq uint32) error
	PendingIRQ(vcpuID int) (uint32, bool)
	MigrateAffinity(vcpuID, newPcpu int)
}

// ramChunk records one pool allocation backing part of a memory region, so
// teardown can return it.
type ramChunk struct {
	pfn   mm.PFN
	order int
}

// Vm is the runtime instance of a configuration. It owns its stage-2
// address space, vCPUs, interrupt controller state, emulated devices and
// interrupt routing; children hold non-owning back-references and observe
// teardown through the version counter.
type Vm struct {
	id    uint32
	cfg   *VMConfig
	arch  hv.CpuArchitecture
	isMVM bool

	mu      sync.Mutex
	state   State
	version atomic.Uint64

	as    *mm.AddressSpace
	pool  *mm.PagePool
	ram   []ramChunk
	bus   *emudev.Bus
	vcpus []*vcpu.VCpu

	intr IntrController
	gic  *vgic.Dist
	plic *vplic.VPlic

	// routes maps each physical interrupt owned by this VM to its target
	// vCPU; per-interrupt serialisation lives inside the controller.
	routesMu sync.Mutex
	routes   map[uint32]int

	consoles []*virtio.Console
	nets     []*virtio.Net
	blks     []*virtio.BlkMediated
	devs     []*virtio.MMIODevice

	// lazy regions fault-fill instead of aborting the guest (migration
	// destination, deferred image load).
	lazy []MemoryRegion
}

// ID returns the VM id.
func (v *Vm) ID() uint32 { return v.id }

// VMID implements vcpu.Owner.
func (v *Vm) VMID() uint32 { return v.id }

// Name returns the configured name.
func (v *Vm) Name() string { return v.cfg.Name }

// Config returns the static configuration.
func (v *Vm) Config() *VMConfig { return v.cfg }

// Architecture implements vcpu.Owner.
func (v *Vm) Architecture() hv.CpuArchitecture { return v.arch }

// Version implements vcpu.Owner.
func (v *Vm) Version() uint64 { return v.version.Load() }

// PcpuAllowed implements vcpu.Owner using the configured bitmap.
func (v *Vm) PcpuAllowed(p int) bool {
	return uint64(v.cfg.CPU.AllocateBitmap)>>uint(p)&1 != 0
}

// IsMVM reports whether this VM holds management privilege.
func (v *Vm) IsMVM() bool { return v.isMVM }

// State returns the lifecycle state.
func (v *Vm) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// setState performs a checked lifecycle transition.
func (v *Vm) setState(from []State, to State) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range from {
		if v.state == f {
			v.state = to
			return nil
		}
	}
	return fmt.Errorf("vmm: vm %d: %s -> %s: %w", v.id, v.state, to, hv.ErrStateInvalid)
}

// AddressSpace returns the stage-2 regime.
func (v *Vm) AddressSpace() *mm.AddressSpace { return v.as }

// Bus implements trap.VMView.
func (v *Vm) Bus() *emudev.Bus { return v.bus }

// Intr returns the virtual interrupt controller.
func (v *Vm) Intr() IntrController { return v.intr }

// GIC returns the ARM64 controller, nil on RV64.
func (v *Vm) GIC() *vgic.Dist { return v.gic }

// VCpus returns the VM's vCPUs in id order.
func (v *Vm) VCpus() []*vcpu.VCpu { return v.vcpus }

// Consoles returns the virtio-console instances.
func (v *Vm) Consoles() []*virtio.Console { return v.consoles }

// Blks returns the mediated block devices.
func (v *Vm) Blks() []*virtio.BlkMediated { return v.blks }

// Nets returns the virtio-net devices.
func (v *Vm) Nets() []*virtio.Net { return v.nets }

// Transports returns the virtio transports in registration order.
func (v *Vm) Transports() []*virtio.MMIODevice { return v.devs }

// RouteIRQ records irq -> vcpu in the routing table.
func (v *Vm) RouteIRQ(irq uint32, vcpuID int) error {
	if vcpuID < 0 || vcpuID >= len(v.vcpus) {
		return fmt.Errorf("vmm: vm %d route irq %d to vcpu %d: %w", v.id, irq, vcpuID, hv.ErrInvalidArgument)
	}
	v.routesMu.Lock()
	defer v.routesMu.Unlock()
	v.routes[irq] = vcpuID
	return nil
}

// IRQTarget resolves the vCPU a physical interrupt is routed to.
func (v *Vm) IRQTarget(irq uint32) (int, bool) {
	v.routesMu.Lock()
	defer v.routesMu.Unlock()
	t, ok := v.routes[irq]
	return t, ok
}

// HandleWriteFault implements trap.VMView.
func (v *Vm) HandleWriteFault(ipa uint64) bool {
	return v.as.HandleWriteFault(ipa)
}

// PendingIRQ implements trap.VMView.
func (v *Vm) PendingIRQ(vcpuID int) (uint32, bool) {
	return v.intr.PendingIRQ(vcpuID)
}

// SetLazyRegions marks regions that fault-fill on first touch instead of
// being prefilled (deferred image load).
func (v *Vm) SetLazyRegions(regions []MemoryRegion) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lazy = regions
}

// PopulateOnDemand implements trap.VMView: a fault inside a lazy region is
// satisfied by allocating and mapping a fresh page.
func (v *Vm) PopulateOnDemand(ipa uint64) error {
	page := ipa &^ (mm.PageSize - 1)
	inLazy := false
	for _, r := range v.lazy {
		if page >= uint64(r.IPAStart) && page < uint64(r.IPAStart)+uint64(r.Length) {
			inLazy = true
			break
		}
	}
	if !inLazy {
		return fmt.Errorf("vmm: vm %d ipa 0x%x: %w", v.id, ipa, hv.ErrUnmapped)
	}

	pfn, err := v.pool.AllocFrame()
	if err != nil {
		return err
	}
	if err := v.as.Map(page, pfn.PA(), mm.PageSize, mm.AttrNormalCacheable, mm.PermRWX); err != nil {
		_ = v.pool.FreePages(pfn, 0)
		return err
	}
	v.mu.Lock()
	v.ram = append(v.ram, ramChunk{pfn: pfn, order: 0})
	v.mu.Unlock()
	return nil
}

// guestMemory adapts the stage-2 regime to the byte-addressed view the
// virtio layer and image loader use.
type guestMemory struct {
	vm *Vm
}

// Memory returns the IPA-addressed guest memory view.
func (v *Vm) Memory() virtio.GuestMemory { return guestMemory{vm: v} }

func (g guestMemory) xfer(p []byte, off int64, write bool) (int, error) {
	done := 0
	ipa := uint64(off)
	for done < len(p) {
		pa, err := g.vm.as.Translate(ipa)
		if err != nil {
			return done, err
		}
		n := int(mm.PageSize - pa%mm.PageSize)
		if n > len(p)-done {
			n = len(p) - done
		}
		host, err := g.vm.pool.Bytes(pa, uint64(n))
		if err != nil {
			return done, err
		}
		if write {
			copy(host, p[done:done+n])
		} else {
			copy(p[done:done+n], host)
		}
		done += n
		ipa += uint64(n)
	}
	return done, nil
}

func (g guestMemory) ReadAt(p []byte, off int64) (int, error) {
	return g.xfer(p, off, false)
}

func (g guestMemory) WriteAt(p []byte, off int64) (int, error) {
	return g.xfer(p, off, true)
}

// ValidateGuestRange rejects addresses outside the VM's configured memory;
// the mediated block device runs every descriptor through it.
func (v *Vm) ValidateGuestRange(addr uint64, length uint32) error {
	end := addr + uint64(length)
	if end < addr {
		return fmt.Errorf("vmm: vm %d range 0x%x+0x%x: %w", v.id, addr, length, hv.ErrInvalidArgument)
	}
	for _, r := range v.cfg.Memory.Region {
		if addr >= uint64(r.IPAStart) && end <= uint64(r.IPAStart)+uint64(r.Length) {
			return nil
		}
	}
	return fmt.Errorf("vmm: vm %d descriptor 0x%x+0x%x outside guest memory: %w",
		v.id, addr, length, hv.ErrPermissionDenied)
}

// plicAdapter narrows the vPLIC to the per-VM controller contract.
type plicAdapter struct {
	plic *vplic.VPlic
}

func (a plicAdapter) Inject(vcpuID int, irq uint32) error { return a.plic.Inject(irq) }

func (a plicAdapter) PendingIRQ(vcpuID int) (uint32, bool) {
	if a.plic.PendingFor(vcpuID) {
		return 0, true
	}
	return 0, false
}

func (a plicAdapter) MigrateAffinity(vcpuID, newPcpu int) {
	a.plic.MigrateAffinity(vcpuID, newPcpu)
}
