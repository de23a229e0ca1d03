package vmm

import (
	"encoding/json"
	"fmt"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/vcpu"
)

// HandoffVcpu is one vCPU's serialised context in the live-update handoff.
type HandoffVcpu struct {
	ID  int
	Ctx hv.Context
}

// HandoffQueue carries one virtqueue's progress cursors across the update.
type HandoffQueue struct {
	Device    int
	Queue     int
	LastAvail uint16
	UsedIdx   uint16
}

// HandoffRAM records one pool allocation backing guest RAM. Frames stay in
// place across the update; the record lets the new image rebuild its
// bookkeeping without touching the pages.
type HandoffRAM struct {
	PFN   uint64
	Order int
}

// HandoffVM is everything the replacement image needs to re-adopt one VM:
// configuration, lifecycle state, vCPU contexts, interrupt routing, queue
// cursors and the stage-2 root.
type HandoffVM struct {
	ID     uint32
	IsMVM  bool
	Config []byte
	State  int

	Stage2Root uint64
	RAM        []HandoffRAM
	Routes     map[uint32]int
	VCpus      []HandoffVcpu
	Queues     []HandoffQueue
}

// ExportHandoff serialises a VM into its handoff record. The VM must be
// quiesced (no vCPU in guest mode).
func (m *Manager) ExportHandoff(vm *Vm) (HandoffVM, error) {
	cfgBlob, err := json.Marshal(vm.cfg)
	if err != nil {
		return HandoffVM{}, fmt.Errorf("vmm: export vm %d: %w", vm.id, err)
	}

	// Dirty-tracking state does not cross the handoff: write protection
	// comes off so the adopted tree has plain writable leaves, and any
	// in-flight migration restarts from scratch on the new image.
	_ = vm.as.SetDirtyTracking(false)

	rec := HandoffVM{
		ID:         vm.id,
		IsMVM:      vm.isMVM,
		Config:     cfgBlob,
		State:      int(vm.State()),
		Stage2Root: uint64(vm.as.Root()),
		Routes:     make(map[uint32]int),
	}
	for _, c := range vm.ram {
		rec.RAM = append(rec.RAM, HandoffRAM{PFN: uint64(c.pfn), Order: c.order})
	}
	vm.routesMu.Lock()
	for irq, target := range vm.routes {
		rec.Routes[irq] = target
	}
	vm.routesMu.Unlock()

	for _, v := range vm.vcpus {
		if vm.gic != nil {
			vm.gic.SaveContext(v.ID(), &v.Ctx)
		}
		rec.VCpus = append(rec.VCpus, HandoffVcpu{ID: v.ID(), Ctx: v.Ctx})
	}
	for di, t := range vm.devs {
		for qi := 0; ; qi++ {
			q := t.Queue(qi)
			if q == nil {
				break
			}
			rec.Queues = append(rec.Queues, HandoffQueue{
				Device:    di,
				Queue:     qi,
				LastAvail: q.LastAvail(),
				UsedIdx:   q.UsedIdx(),
			})
		}
	}
	return rec, nil
}

// AdoptHandoff reconstructs a VM in this manager from a handoff record.
// Guest RAM and the stage-2 tree are re-adopted in place: no frame moves
// and no mapping is rebuilt.
func (m *Manager) AdoptHandoff(rec HandoffVM) (*Vm, error) {
	cfg, err := ParseVMConfig(rec.Config)
	if err != nil {
		return nil, err
	}

	as, err := mm.AdoptAddressSpace(m.pool, m.arch, mm.Stage2, rec.ID+1, mm.PFN(rec.Stage2Root))
	if err != nil {
		return nil, err
	}

	vm := &Vm{
		id:     rec.ID,
		cfg:    cfg,
		arch:   m.arch.Architecture(),
		isMVM:  rec.IsMVM,
		state:  StateConfigured,
		as:     as,
		pool:   m.pool,
		bus:    nil,
		routes: rec.Routes,
	}
	for _, c := range rec.RAM {
		vm.ram = append(vm.ram, ramChunk{pfn: mm.PFN(c.PFN), order: c.Order})
	}

	vm.bus = emudev.NewBus(m.log)
	if err := m.buildInterruptController(vm); err != nil {
		return nil, err
	}
	if err := m.buildDevices(vm); err != nil {
		return nil, err
	}

	for _, rc := range rec.VCpus {
		v := vcpu.New(vm, rc.ID, rc.Ctx.PC)
		v.Ctx = rc.Ctx
		vm.vcpus = append(vm.vcpus, v)
		if vm.gic != nil {
			vm.gic.RestoreContext(rc.ID, &v.Ctx)
		}
	}
	transports := vm.devs
	for _, qs := range rec.Queues {
		if qs.Device < 0 || qs.Device >= len(transports) {
			continue
		}
		if q := transports[qs.Device].Queue(qs.Queue); q != nil {
			q.RestoreCursors(qs.LastAvail, qs.UsedIdx)
		}
	}

	m.mu.Lock()
	if _, dup := m.vms[rec.ID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("vmm: adopt vm %d: %w", rec.ID, hv.ErrAlreadyExists)
	}
	m.vms[rec.ID] = vm
	if rec.ID >= m.nextID {
		m.nextID = rec.ID + 1
	}
	m.mu.Unlock()

	// Resume what was running before the update; dirty-tracking state does
	// not survive the handoff.
	if State(rec.State) == StateRunning || State(rec.State) == StateMigrating {
		vm.state = StateRunning
		if err := m.placeVcpus(vm); err != nil {
			return nil, err
		}
	} else {
		vm.state = State(rec.State)
	}
	return vm, nil
}

// DetachAll empties the registry without releasing any VM memory: the
// frames now belong to the image that adopted the handoff state.
func (m *Manager) DetachAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, vm := range m.vms {
		vm.version.Add(1)
		delete(m.vms, id)
	}
}
