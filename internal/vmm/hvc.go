package vmm

import (
	"fmt"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/trap"
	"github.com/tinyrange/shyr/internal/vcpu"
)

// Hypercall groups. The call id is the 16-bit (group, function) pair in
// the caller's first argument register.
const (
	GroupSystem    uint8 = 0x0
	GroupConfig    uint8 = 0x1
	GroupLifecycle uint8 = 0x2
	GroupMigration uint8 = 0x3
	GroupUpdate    uint8 = 0x4
	GroupMediated  uint8 = 0x5
	GroupIVC       uint8 = 0x6
	GroupIRQ       uint8 = 0x8
)

// System group functions.
const (
	SysReboot   uint8 = 0
	SysShutdown uint8 = 1
	SysUpdate   uint8 = 3
)

// Config group functions.
const (
	CfgAddVM        uint8 = 0
	CfgDeleteVM     uint8 = 1
	CfgUploadImage  uint8 = 7
	CfgAppendImage  uint8 = 8
)

// Lifecycle group functions.
const (
	LcList     uint8 = 0
	LcGetState uint8 = 1
	LcBoot     uint8 = 2
	LcShutdown uint8 = 3
	LcReboot   uint8 = 4
	LcGetVMID  uint8 = 8
	LcSuspend  uint8 = 10
	LcResume   uint8 = 11
	LcRemove   uint8 = 16
)

// Migration group functions.
const (
	MigStart  uint8 = 0
	MigAbort  uint8 = 1
)

// Live-update group functions.
const (
	UpdLoad  uint8 = 0
	UpdApply uint8 = 1
)

// Mediated-I/O group functions.
const (
	MedDevAppend uint8 = 0
	MedDevNotify uint8 = 1
	MedDrvNotify uint8 = 2
)

// IRQ group functions.
const (
	IrqMigrateVcpu uint8 = 0
	IrqInject      uint8 = 1
	IrqRoute       uint8 = 2
	IrqPinPcpu     uint8 = 3
)

// Hooks connects the hypercall surface to the migration and live-update
// engines, which sit above this package.
type Hooks struct {
	// MigrateStart begins a pre-copy migration of the VM to the
	// configured peer.
	MigrateStart func(vmid uint32, peer uint64) error
	// MigrateAbort cancels an in-flight migration.
	MigrateAbort func(vmid uint32) error
	// UpdateLoad stages a replacement hypervisor image.
	UpdateLoad func(data []byte) error
	// UpdateApply performs the live-update handoff.
	UpdateApply func() error
	// SystemShutdown powers the platform down.
	SystemShutdown func() error
}

// readGuestBytes copies a buffer out of a VM's memory.
func readGuestBytes(vm *Vm, gpa, length uint64) ([]byte, error) {
	if length == 0 || length > 16<<20 {
		return nil, fmt.Errorf("vmm: hypercall buffer %d bytes: %w", length, hv.ErrInvalidArgument)
	}
	buf := make([]byte, length)
	if _, err := vm.Memory().ReadAt(buf, int64(gpa)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Manager) callerVM(v *vcpu.VCpu) (*Vm, error) {
	return m.Get(v.Owner().VMID())
}

// RegisterHypercalls installs every hypercall group on the dispatcher.
// Groups config, lifecycle, migration, update and mediated setup are
// privileged: only MVM vCPUs may call them. The virtio notify path in the
// mediated group is reachable from every VM through the device MMIO
// doorbell instead of a call, so the whole group stays privileged.
func (m *Manager) RegisterHypercalls(d *trap.Dispatcher, hooks Hooks) error {
	register := func(group uint8, privileged bool, h trap.HypercallHandler) error {
		return d.RegisterGroup(group, privileged, h)
	}

	if err := register(GroupSystem, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		switch call.Function() {
		case SysReboot, SysShutdown:
			if hooks.SystemShutdown != nil {
				return 0, hooks.SystemShutdown()
			}
			return 0, nil
		case SysUpdate:
			if hooks.UpdateApply == nil {
				return 0, fmt.Errorf("vmm: live-update: %w", hv.ErrUnsupported)
			}
			return 0, hooks.UpdateApply()
		}
		return 0, fmt.Errorf("vmm: system fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	}); err != nil {
		return err
	}

	if err := register(GroupConfig, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		caller, err := m.callerVM(v)
		if err != nil {
			return 0, err
		}
		switch call.Function() {
		case CfgAddVM:
			blob, err := readGuestBytes(caller, call.Args[0], call.Args[1])
			if err != nil {
				return 0, err
			}
			cfg, err := ParseVMConfig(blob)
			if err != nil {
				return 0, err
			}
			vm, err := m.Create(cfg)
			if err != nil {
				return 0, err
			}
			return uint64(vm.ID()), nil
		case CfgDeleteVM:
			return 0, m.Remove(uint32(call.Args[0]))
		case CfgUploadImage, CfgAppendImage:
			name, err := readGuestBytes(caller, call.Args[0], call.Args[1])
			if err != nil {
				return 0, err
			}
			data, err := readGuestBytes(caller, call.Args[2], call.Args[3])
			if err != nil {
				return 0, err
			}
			if call.Function() == CfgUploadImage {
				m.UploadImage(string(name), data)
			} else {
				m.AppendImage(string(name), data)
			}
			return uint64(len(data)), nil
		}
		return 0, fmt.Errorf("vmm: config fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	}); err != nil {
		return err
	}

	if err := register(GroupLifecycle, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		id := uint32(call.Args[0])
		switch call.Function() {
		case LcList:
			return uint64(len(m.List())), nil
		case LcGetState:
			vm, err := m.Get(id)
			if err != nil {
				return 0, err
			}
			return uint64(vm.State()), nil
		case LcBoot:
			return 0, m.Boot(id)
		case LcShutdown:
			return 0, m.Shutdown(id)
		case LcReboot:
			// Reboot is not serviced here: the call returns Unsupported
			// and leaves the VM's state unchanged.
			return 0, fmt.Errorf("vmm: reboot: %w", hv.ErrUnsupported)
		case LcGetVMID:
			return uint64(v.Owner().VMID()), nil
		case LcSuspend:
			return 0, m.Suspend(id)
		case LcResume:
			return 0, m.Resume(id)
		case LcRemove:
			return 0, m.Remove(id)
		}
		return 0, fmt.Errorf("vmm: lifecycle fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	}); err != nil {
		return err
	}

	if err := register(GroupMigration, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		switch call.Function() {
		case MigStart:
			if hooks.MigrateStart == nil {
				return 0, fmt.Errorf("vmm: migration: %w", hv.ErrUnsupported)
			}
			return 0, hooks.MigrateStart(uint32(call.Args[0]), call.Args[1])
		case MigAbort:
			if hooks.MigrateAbort == nil {
				return 0, fmt.Errorf("vmm: migration: %w", hv.ErrUnsupported)
			}
			return 0, hooks.MigrateAbort(uint32(call.Args[0]))
		}
		return 0, fmt.Errorf("vmm: migration fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	}); err != nil {
		return err
	}

	if err := register(GroupUpdate, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		caller, err := m.callerVM(v)
		if err != nil {
			return 0, err
		}
		switch call.Function() {
		case UpdLoad:
			if hooks.UpdateLoad == nil {
				return 0, fmt.Errorf("vmm: live-update: %w", hv.ErrUnsupported)
			}
			data, err := readGuestBytes(caller, call.Args[0], call.Args[1])
			if err != nil {
				return 0, err
			}
			return 0, hooks.UpdateLoad(data)
		case UpdApply:
			if hooks.UpdateApply == nil {
				return 0, fmt.Errorf("vmm: live-update: %w", hv.ErrUnsupported)
			}
			return 0, hooks.UpdateApply()
		}
		return 0, fmt.Errorf("vmm: update fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	}); err != nil {
		return err
	}

	if err := register(GroupMediated, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		switch call.Function() {
		case MedDevAppend:
			// The MVM announces a backend for (vmid, devid); capacity in
			// sectors follows.
			vm, err := m.Get(uint32(call.Args[0]))
			if err != nil {
				return 0, err
			}
			devid := int(call.Args[1])
			if devid < 0 || devid >= len(vm.blks) {
				return 0, fmt.Errorf("vmm: mediated dev %d: %w", devid, hv.ErrNotFound)
			}
			return 0, nil
		case MedDevNotify, MedDrvNotify:
			// The MVM pushed completion records; drain them into the
			// guests' used rings.
			m.mu.RLock()
			vms := make([]*Vm, 0, len(m.vms))
			for _, vm := range m.vms {
				vms = append(vms, vm)
			}
			m.mu.RUnlock()
			for _, vm := range vms {
				for _, blk := range vm.blks {
					if err := blk.DrainCompletions(); err != nil {
						return 0, err
					}
				}
			}
			return 0, nil
		}
		return 0, fmt.Errorf("vmm: mediated fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	}); err != nil {
		return err
	}

	if err := register(GroupIRQ, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		switch call.Function() {
		case IrqMigrateVcpu:
			return 0, m.MigrateVcpu(uint32(call.Args[0]), int(call.Args[1]), int(call.Args[2]))
		case IrqInject:
			return 0, m.InjectIRQ(uint32(call.Args[0]), int(call.Args[1]), uint32(call.Args[2]))
		case IrqRoute:
			vm, err := m.Get(uint32(call.Args[0]))
			if err != nil {
				return 0, err
			}
			return 0, vm.RouteIRQ(uint32(call.Args[1]), int(call.Args[2]))
		case IrqPinPcpu:
			p := m.set.Pcpu(int(call.Args[0]))
			if p == nil {
				return 0, fmt.Errorf("vmm: pcpu %d: %w", call.Args[0], hv.ErrInvalidArgument)
			}
			policy := vcpu.PolicyRoundRobin
			if call.Args[1] != 0 {
				policy = vcpu.PolicyPinned
			}
			return 0, p.SetPolicy(policy)
		}
		return 0, fmt.Errorf("vmm: irq fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	}); err != nil {
		return err
	}

	return nil
}
