package vmm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/fdt"
	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/trap"
	"github.com/tinyrange/shyr/internal/vcpu"
	"github.com/tinyrange/shyr/internal/vgic"
	"github.com/tinyrange/shyr/internal/virtio"
	"github.com/tinyrange/shyr/internal/vplic"
)

// MediatedRingEntries is the depth of the hypervisor/MVM I/O rings.
const MediatedRingEntries = 256

// Info is one row of the VM listing surfaced to the MVM.
type Info struct {
	ID    uint32
	Name  string
	Type  VMType
	State State
	VCpus int
}

// Manager is the VM configuration registry and lifecycle engine. All
// transitions are triggered by hypercalls from the MVM.
type Manager struct {
	log  *slog.Logger
	arch hv.Arch
	pool *mm.PagePool
	set  *vcpu.Set

	mu     sync.RWMutex
	vms    map[uint32]*Vm
	nextID uint32

	// images holds kernel/device-tree/ramdisk blobs uploaded through the
	// config hypercall group, keyed by filename.
	imagesMu sync.Mutex
	images   map[string][]byte

	// ring is the mediated-I/O channel shared with the MVM backend.
	ring *virtio.MediatedRing

	// migratingVM is non-zero while a migration is in flight; concurrent
	// migration of a second VM is refused.
	migratingVM uint32
}

// NewManager builds the registry.
func NewManager(logger *slog.Logger, arch hv.Arch, pool *mm.PagePool, set *vcpu.Set) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	region := make([]byte, virtio.MediatedRingSize(MediatedRingEntries))
	ring, err := virtio.NewMediatedRing(region, MediatedRingEntries)
	if err != nil {
		return nil, err
	}
	return &Manager{
		log:    logger,
		arch:   arch,
		pool:   pool,
		set:    set,
		vms:    make(map[uint32]*Vm),
		nextID: 0,
		images: make(map[string][]byte),
		ring:   ring,
	}, nil
}

// Ring returns the mediated-I/O ring (the MVM backend's attachment point).
func (m *Manager) Ring() *virtio.MediatedRing { return m.ring }

// PcpuSet returns the scheduler array.
func (m *Manager) PcpuSet() *vcpu.Set { return m.set }

// UploadImage stores an image blob under its configured filename.
func (m *Manager) UploadImage(name string, data []byte) {
	m.imagesMu.Lock()
	defer m.imagesMu.Unlock()
	m.images[name] = append([]byte(nil), data...)
}

// AppendImage appends a chunk to an uploaded image (the chunked config
// upload path).
func (m *Manager) AppendImage(name string, chunk []byte) {
	m.imagesMu.Lock()
	defer m.imagesMu.Unlock()
	m.images[name] = append(m.images[name], chunk...)
}

func (m *Manager) image(name string) ([]byte, bool) {
	m.imagesMu.Lock()
	defer m.imagesMu.Unlock()
	data, ok := m.images[name]
	return data, ok
}

// Get returns a VM by id.
func (m *Manager) Get(id uint32) (*Vm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vm, ok := m.vms[id]
	if !ok {
		return nil, fmt.Errorf("vmm: vm %d: %w", id, hv.ErrNotFound)
	}
	return vm, nil
}

// Resolve implements the trap dispatcher's VM lookup.
func (m *Manager) Resolve(vmid uint32) trap.VMView {
	vm, err := m.Get(vmid)
	if err != nil {
		return nil
	}
	return vm
}

// List returns a snapshot of the registry.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.vms))
	for _, vm := range m.vms {
		out = append(out, Info{
			ID:    vm.id,
			Name:  vm.cfg.Name,
			Type:  vm.cfg.Type,
			State: vm.State(),
			VCpus: len(vm.vcpus),
		})
	}
	return out
}

// RouteIRQ resolves physical interrupt ownership across all VMs for the
// trap dispatcher.
func (m *Manager) RouteIRQ(irq uint32) trap.IRQRoute {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, vm := range m.vms {
		if target, ok := vm.IRQTarget(irq); ok {
			return trap.IRQRoute{VMID: vm.id, VCpu: target, Owned: true}
		}
	}
	return trap.IRQRoute{}
}

// InjectIRQ delivers a guest interrupt through the owning VM's controller.
func (m *Manager) InjectIRQ(vmid uint32, vcpuID int, irq uint32) error {
	vm, err := m.Get(vmid)
	if err != nil {
		return err
	}
	return vm.intr.Inject(vcpuID, irq)
}

// Create instantiates a VM from its configuration: allocate the stage-2
// regime, prefill RAM-backed regions, build the interrupt controller and
// the emulated devices, and create the vCPUs. The first VM created is the
// MVM.
func (m *Manager) Create(cfg *VMConfig) (*Vm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	isMVM := id == 0
	m.mu.Unlock()

	as, err := mm.NewAddressSpace(m.pool, m.arch, mm.Stage2, id+1)
	if err != nil {
		return nil, err
	}

	vm := &Vm{
		id:     id,
		cfg:    cfg,
		arch:   m.arch.Architecture(),
		isMVM:  isMVM,
		state:  StateInactive,
		as:     as,
		pool:   m.pool,
		bus:    emudev.NewBus(m.log),
		routes: make(map[uint32]int),
	}

	if err := m.populateRAM(vm); err != nil {
		m.destroy(vm)
		return nil, err
	}
	if err := m.mapPassthrough(vm); err != nil {
		m.destroy(vm)
		return nil, err
	}
	if err := m.buildInterruptController(vm); err != nil {
		m.destroy(vm)
		return nil, err
	}
	if err := m.buildDevices(vm); err != nil {
		m.destroy(vm)
		return nil, err
	}

	for i := 0; i < cfg.CPU.Num; i++ {
		entry := uint64(cfg.Image.KernelEntryPoint)
		vm.vcpus = append(vm.vcpus, vcpu.New(vm, i, entry))
	}

	vm.state = StateConfigured

	m.mu.Lock()
	m.vms[id] = vm
	m.mu.Unlock()

	m.log.Info("vmm: vm created", "id", id, "name", cfg.Name, "vcpus", cfg.CPU.Num, "mvm", isMVM)
	return vm, nil
}

// populateRAM pre-computes the stage-2 mapping for RAM-backed regions.
func (m *Manager) populateRAM(vm *Vm) error {
	for _, r := range vm.cfg.Memory.Region {
		ipa := uint64(r.IPAStart)
		remaining := uint64(r.Length)
		for remaining > 0 {
			order := mm.MaxOrder
			for order > 0 && uint64(mm.PageSize)<<order > remaining {
				order--
			}
			pfn, err := m.pool.AllocPages(order)
			if err != nil {
				return fmt.Errorf("vmm: vm %d ram: %w", vm.id, err)
			}
			size := uint64(mm.PageSize) << order
			if err := vm.as.Map(ipa, pfn.PA(), size, mm.AttrNormalCacheable, mm.PermRWX); err != nil {
				_ = m.pool.FreePages(pfn, order)
				return err
			}
			vm.ram = append(vm.ram, ramChunk{pfn: pfn, order: order})
			ipa += size
			remaining -= size
		}
	}
	return nil
}

// mapPassthrough maps direct-assigned device regions as device memory and
// seeds the interrupt routing table.
func (m *Manager) mapPassthrough(vm *Vm) error {
	for _, d := range vm.cfg.PassthroughDevice.List {
		if d.Length > 0 {
			if err := vm.as.Map(uint64(d.BaseIPA), uint64(d.BasePA), uint64(d.Length),
				mm.AttrDeviceNGnRnE, mm.PermRW); err != nil {
				return err
			}
		}
		for _, irq := range d.IRQList {
			vm.routes[irq] = 0 // default target: primary vCPU
		}
	}
	return nil
}

func (m *Manager) buildInterruptController(vm *Vm) error {
	for _, d := range vm.cfg.EmulatedDevice.List {
		switch d.Type {
		case EmuTypeGICD:
			redistBase := uint64(d.BaseIPA) + vgic.DistSize
			if len(d.CfgList) > 0 {
				redistBase = uint64(d.CfgList[0])
			}
			dist, err := vgic.New(vgic.Config{
				Version:     vgic.V3,
				VMID:        vm.id,
				VCPUs:       vm.cfg.CPU.Num,
				SPIs:        256,
				DistBase:    uint64(d.BaseIPA),
				RedistBase:  redistBase,
				Passthrough: vm.cfg.PassthroughIRQs(),
				Log:         m.log,
			})
			if err != nil {
				return err
			}
			dist.Kick = m.kickFunc(vm)
			if err := vm.bus.Register(dist.Distributor()); err != nil {
				return err
			}
			for i := 0; i < vm.cfg.CPU.Num; i++ {
				if err := vm.bus.Register(dist.Redistributor(i)); err != nil {
					return err
				}
			}
			vm.gic = dist
			vm.intr = dist
		case EmuTypePLIC:
			plic, err := vplic.New(vplic.Config{
				Base:        uint64(d.BaseIPA),
				VCPUs:       vm.cfg.CPU.Num,
				Passthrough: vm.cfg.PassthroughIRQs(),
			})
			if err != nil {
				return err
			}
			kick := m.kickFunc(vm)
			plic.Kick = kick
			if err := vm.bus.Register(plic.MMIO()); err != nil {
				return err
			}
			vm.plic = plic
			vm.intr = plicAdapter{plic: plic}
		}
	}
	if vm.intr == nil {
		return fmt.Errorf("vmm: vm %d: no interrupt controller in config: %w", vm.id, hv.ErrInvalidArgument)
	}
	return nil
}

// kickFunc wakes a vCPU when its controller gains a deliverable interrupt.
func (m *Manager) kickFunc(vm *Vm) func(vcpuID int) {
	return func(vcpuID int) {
		if vcpuID < 0 || vcpuID >= len(vm.vcpus) {
			return
		}
		v := vm.vcpus[vcpuID]
		if v.State() == vcpu.StateBlocked {
			_ = m.set.Wake(v, vm.cfg.CPU.Master)
		}
	}
}

func (m *Manager) buildDevices(vm *Vm) error {
	mem := vm.Memory()
	for _, d := range vm.cfg.EmulatedDevice.List {
		switch d.Type {
		case EmuTypeVirtioConsole:
			con := virtio.NewConsole(nil)
			t := virtio.NewMMIODevice(emudev.KindVirtioConsole, uint64(d.BaseIPA), d.IRQID, mem, con)
			con.Attach(t)
			m.wireInterrupt(vm, t)
			if err := vm.bus.Register(t); err != nil {
				return err
			}
			vm.consoles = append(vm.consoles, con)
			vm.devs = append(vm.devs, t)
		case EmuTypeVirtioNet:
			var mac [6]byte
			if len(d.CfgList) > 0 {
				raw := uint64(d.CfgList[0])
				for i := 0; i < 6; i++ {
					mac[i] = byte(raw >> (8 * (5 - i)))
				}
			} else {
				mac = [6]byte{0x52, 0x48, 0x59, 0x52, byte(vm.id >> 8), byte(vm.id)}
			}
			net := virtio.NewNet(mac, nil)
			t := virtio.NewMMIODevice(emudev.KindVirtioNet, uint64(d.BaseIPA), d.IRQID, mem, net)
			net.Attach(t)
			m.wireInterrupt(vm, t)
			if err := vm.bus.Register(t); err != nil {
				return err
			}
			vm.nets = append(vm.nets, net)
			vm.devs = append(vm.devs, t)
		case EmuTypeVirtioBlk:
			var capacity uint64 = 0
			if len(d.CfgList) > 0 {
				capacity = uint64(d.CfgList[0])
			}
			blk := virtio.NewBlkMediated(virtio.BlkConfig{
				VMID:            vm.id,
				DevID:           uint32(len(vm.blks)),
				Ring:            m.ring,
				CapacitySectors: capacity,
				Validate:        vm.ValidateGuestRange,
				Translate:       vm.as.Translate,
			})
			t := virtio.NewMMIODevice(emudev.KindVirtioBlkMediated, uint64(d.BaseIPA), d.IRQID, mem, blk)
			blk.Attach(t)
			m.wireInterrupt(vm, t)
			vmRef := vm
			blk.OnComplete = func() { m.wakeBlocked(vmRef) }
			if err := vm.bus.Register(t); err != nil {
				return err
			}
			vm.blks = append(vm.blks, blk)
			vm.devs = append(vm.devs, t)
		case EmuTypeServiceChannel:
			svc := &serviceChannel{base: uint64(d.BaseIPA), size: uint64(d.Length)}
			if err := vm.bus.Register(svc); err != nil {
				return err
			}
		}
		if d.IRQID != 0 && d.Type != EmuTypeGICD && d.Type != EmuTypePLIC {
			vm.routes[d.IRQID] = 0
		}
	}
	return nil
}

// wireInterrupt connects a virtio transport's IRQ to the VM's controller,
// targeting the vCPU the routing table names.
func (m *Manager) wireInterrupt(vm *Vm, t *virtio.MMIODevice) {
	t.Interrupt = func(irq uint32) {
		target, ok := vm.IRQTarget(irq)
		if !ok {
			target = 0
		}
		if err := vm.intr.Inject(target, irq); err != nil {
			m.log.Warn("vmm: inject device irq", "vm", vm.id, "irq", irq, "err", err)
		}
	}
}

// wakeBlocked wakes every blocked vCPU of the VM (mediated-I/O completion
// path).
func (m *Manager) wakeBlocked(vm *Vm) {
	for _, v := range vm.vcpus {
		if v.State() == vcpu.StateBlocked {
			_ = m.set.Wake(v, vm.cfg.CPU.Master)
		}
	}
}

// Boot loads the guest images, materialises the patched device tree, sets
// the primary vCPU's entry state and inserts the vCPUs into their target
// runqueues.
func (m *Manager) Boot(id uint32) error {
	vm, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := vm.setState([]State{StateConfigured}, StateBooting); err != nil {
		return err
	}

	mem := vm.Memory()
	cfg := vm.cfg

	if cfg.Image.KernelFilename != "" {
		data, ok := m.image(cfg.Image.KernelFilename)
		if !ok {
			_ = vm.setState([]State{StateBooting}, StateConfigured)
			return fmt.Errorf("vmm: vm %d kernel %q: %w", id, cfg.Image.KernelFilename, hv.ErrNotFound)
		}
		if _, err := mem.WriteAt(data, int64(cfg.Image.KernelLoadIPA)); err != nil {
			_ = vm.setState([]State{StateBooting}, StateConfigured)
			return fmt.Errorf("vmm: vm %d load kernel: %w", id, err)
		}
	}
	if cfg.Image.RamdiskFilename != "" {
		if data, ok := m.image(cfg.Image.RamdiskFilename); ok {
			if _, err := mem.WriteAt(data, int64(cfg.Image.RamdiskLoadIPA)); err != nil {
				_ = vm.setState([]State{StateBooting}, StateConfigured)
				return fmt.Errorf("vmm: vm %d load ramdisk: %w", id, err)
			}
		}
	}

	dtbIPA := uint64(cfg.Image.DeviceTreeLoadIPA)
	if dtbIPA != 0 {
		dtb := m.buildDeviceTree(vm)
		if _, err := mem.WriteAt(dtb, int64(dtbIPA)); err != nil {
			_ = vm.setState([]State{StateBooting}, StateConfigured)
			return fmt.Errorf("vmm: vm %d load dtb: %w", id, err)
		}
	}

	// Primary vCPU boots per the Linux boot protocol: on ARM64 the
	// device tree address is in x0; on RV64 a0 holds the hart id and
	// a1 the device tree address.
	primary := vm.vcpus[0]
	primary.Ctx.PC = uint64(cfg.Image.KernelEntryPoint)
	primary.Ctx.SetReg(0, dtbIPA)
	if vm.arch == hv.ArchitectureRISCV64 {
		primary.Ctx.SetReg(10, 0) // hart id
		primary.Ctx.SetReg(11, dtbIPA)
	}

	if err := m.placeVcpus(vm); err != nil {
		_ = vm.setState([]State{StateBooting}, StateConfigured)
		return err
	}

	if err := vm.setState([]State{StateBooting}, StateRunning); err != nil {
		return err
	}
	m.log.Info("vmm: vm booted", "id", id, "name", cfg.Name)
	return nil
}

// placeVcpus distributes the vCPUs over the allowed pCPUs: the primary on
// the master core, the rest round-robin over the bitmap.
func (m *Manager) placeVcpus(vm *Vm) error {
	var allowed []int
	for p := 0; p < m.set.Count(); p++ {
		if vm.PcpuAllowed(p) {
			allowed = append(allowed, p)
		}
	}
	if len(allowed) == 0 {
		return fmt.Errorf("vmm: vm %d: pcpu bitmap empty on this platform: %w", vm.id, hv.ErrInvalidArgument)
	}

	next := 0
	for i, v := range vm.vcpus {
		target := vm.cfg.CPU.Master
		if i > 0 {
			for allowed[next%len(allowed)] == vm.cfg.CPU.Master && len(allowed) > 1 {
				next++
			}
			target = allowed[next%len(allowed)]
			next++
		}
		p := m.set.Pcpu(target)
		if p == nil {
			return fmt.Errorf("vmm: vm %d: pcpu %d missing: %w", vm.id, target, hv.ErrInvalidArgument)
		}
		if err := p.Enqueue(v); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown terminates a VM and releases its resources.
func (m *Manager) Shutdown(id uint32) error {
	vm, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := vm.setState([]State{StateRunning, StateSuspended, StateConfigured, StateBooting},
		StateTerminated); err != nil {
		return err
	}
	vm.version.Add(1)
	m.unplaceVcpus(vm)
	m.destroy(vm)
	m.log.Info("vmm: vm terminated", "id", id)
	return nil
}

// Suspend pauses every vCPU of a running VM.
func (m *Manager) Suspend(id uint32) error {
	vm, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := vm.setState([]State{StateRunning}, StateSuspended); err != nil {
		return err
	}
	m.unplaceVcpus(vm)
	return nil
}

// Resume reinserts a suspended VM's vCPUs.
func (m *Manager) Resume(id uint32) error {
	vm, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := vm.setState([]State{StateSuspended}, StateRunning); err != nil {
		return err
	}
	return m.placeVcpus(vm)
}

// unplaceVcpus removes the VM's vCPUs from every runqueue.
func (m *Manager) unplaceVcpus(vm *Vm) {
	for _, v := range vm.vcpus {
		for p := 0; p < m.set.Count(); p++ {
			m.set.Pcpu(p).Dequeue(v)
		}
	}
}

// Remove drops a terminated VM from the registry.
func (m *Manager) Remove(id uint32) error {
	vm, err := m.Get(id)
	if err != nil {
		return err
	}
	if vm.State() != StateTerminated {
		return fmt.Errorf("vmm: remove vm %d in state %s: %w", id, vm.State(), hv.ErrStateInvalid)
	}
	m.mu.Lock()
	delete(m.vms, id)
	m.mu.Unlock()
	return nil
}

// destroy releases the VM's memory.
func (m *Manager) destroy(vm *Vm) {
	for _, c := range vm.ram {
		_ = m.pool.FreePages(c.pfn, c.order)
	}
	vm.ram = nil
	_ = vm.as.Destroy()
}

// MigrateVcpu moves a vCPU to another allowed pCPU, reprogramming the
// physical routing of the VM's pass-through interrupts before the vCPU can
// resume on the new core.
func (m *Manager) MigrateVcpu(id uint32, vcpuID, targetPcpu int) error {
	vm, err := m.Get(id)
	if err != nil {
		return err
	}
	if vcpuID < 0 || vcpuID >= len(vm.vcpus) {
		return fmt.Errorf("vmm: vm %d vcpu %d: %w", id, vcpuID, hv.ErrInvalidArgument)
	}
	if !vm.PcpuAllowed(targetPcpu) {
		return fmt.Errorf("vmm: vm %d pcpu %d outside bitmap: %w", id, targetPcpu, hv.ErrPermissionDenied)
	}
	v := vm.vcpus[vcpuID]

	for p := 0; p < m.set.Count(); p++ {
		m.set.Pcpu(p).Dequeue(v)
	}
	// Physical interrupt targets move before the vCPU resumes so no IRQ
	// lands on the stale core.
	vm.intr.MigrateAffinity(vcpuID, targetPcpu)

	target := m.set.Pcpu(targetPcpu)
	if target == nil {
		return fmt.Errorf("vmm: pcpu %d: %w", targetPcpu, hv.ErrInvalidArgument)
	}
	if err := target.Enqueue(v); err != nil {
		return err
	}
	if m.arch != nil {
		_ = m.arch.SendIPI(targetPcpu, hv.IPIMessage{Vector: hv.IPIReschedule})
	}
	return nil
}

// buildDeviceTree materialises the per-VM device-tree patches for memory,
// chosen/cmdline, emulated devices and passthrough/DTB device nodes.
func (m *Manager) buildDeviceTree(vm *Vm) []byte {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "linux,dummy-virt")

	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", vm.cfg.Cmdline)
	if vm.cfg.Image.RamdiskFilename != "" {
		b.AddPropertyU64("linux,initrd-start", uint64(vm.cfg.Image.RamdiskLoadIPA))
	}
	b.EndNode()

	for _, r := range vm.cfg.Memory.Region {
		b.BeginNode(fmt.Sprintf("memory@%x", uint64(r.IPAStart)))
		b.AddPropertyString("device_type", "memory")
		b.AddPropertyU64Pair("reg", uint64(r.IPAStart), uint64(r.Length))
		b.EndNode()
	}

	for _, d := range vm.cfg.EmulatedDevice.List {
		switch d.Type {
		case EmuTypeVirtioConsole, EmuTypeVirtioNet, EmuTypeVirtioBlk:
			b.BeginNode(fmt.Sprintf("virtio_mmio@%x", uint64(d.BaseIPA)))
			b.AddPropertyString("compatible", "virtio,mmio")
			b.AddPropertyU64Pair("reg", uint64(d.BaseIPA), uint64(d.Length))
			b.AddPropertyU32Array("interrupts", []uint32{0, d.IRQID - vgic.SPIBase, 4})
			b.EndNode()
		}
	}

	for _, d := range vm.cfg.DtbDevice.List {
		b.BeginNode(fmt.Sprintf("%s@%x", d.Name, uint64(d.AddrRegionIPA)))
		b.AddPropertyString("compatible", d.Type)
		b.AddPropertyU64Pair("reg", uint64(d.AddrRegionIPA), uint64(d.AddrRegionLength))
		if len(d.IRQList) > 0 {
			var cells []uint32
			for _, irq := range d.IRQList {
				cells = append(cells, 0, irq-vgic.SPIBase, 4)
			}
			b.AddPropertyU32Array("interrupts", cells)
		}
		b.EndNode()
	}

	b.EndNode()
	return b.Build()
}
