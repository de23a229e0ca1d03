package vmm

import (
	"fmt"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/hv/aarch64"
	"github.com/tinyrange/shyr/internal/trap"
	"github.com/tinyrange/shyr/internal/vcpu"
)

// GICv3 CPU-interface system registers trapped and emulated when the
// hardware lacks a virtual CPU interface for them.
var (
	keyIccIar1  = aarch64.SysRegKey(3, 0, 12, 12, 0)
	keyIccEoir1 = aarch64.SysRegKey(3, 0, 12, 12, 1)
	keyIccSgi1r = aarch64.SysRegKey(3, 0, 12, 11, 5)
)

// RegisterSysRegs installs the trapped system-register emulations:
// interrupt acknowledge, end-of-interrupt and SGI generation route into
// the calling VM's virtual distributor.
func (m *Manager) RegisterSysRegs(d *trap.Dispatcher) error {
	gicOf := func(v *vcpu.VCpu) (*Vm, error) {
		vm, err := m.Get(v.Owner().VMID())
		if err != nil {
			return nil, err
		}
		if vm.gic == nil {
			return nil, fmt.Errorf("vmm: vm %d has no vgic: %w", vm.id, hv.ErrUnsupported)
		}
		return vm, nil
	}

	if err := d.RegisterSysReg(keyIccIar1, func(v *vcpu.VCpu, acc hv.SysRegAccess) error {
		vm, err := gicOf(v)
		if err != nil {
			return err
		}
		if acc.Write {
			return nil // IAR is read-only; writes are ignored
		}
		v.Ctx.SetReg(acc.Reg, uint64(vm.gic.Acknowledge(v.ID())))
		return nil
	}); err != nil {
		return err
	}

	if err := d.RegisterSysReg(keyIccEoir1, func(v *vcpu.VCpu, acc hv.SysRegAccess) error {
		vm, err := gicOf(v)
		if err != nil {
			return err
		}
		if !acc.Write {
			return nil
		}
		vm.gic.Complete(v.ID(), uint32(v.Ctx.Reg(acc.Reg)))
		return nil
	}); err != nil {
		return err
	}

	return d.RegisterSysReg(keyIccSgi1r, func(v *vcpu.VCpu, acc hv.SysRegAccess) error {
		vm, err := gicOf(v)
		if err != nil {
			return err
		}
		if !acc.Write {
			return nil
		}
		// SGI1R: target list in bits 15:0, INTID in bits 27:24.
		val := v.Ctx.Reg(acc.Reg)
		intid := uint32(val >> 24 & 0xf)
		for target := 0; target < len(vm.vcpus); target++ {
			if val>>uint(target)&1 != 0 {
				if err := vm.gic.Inject(target, intid); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
