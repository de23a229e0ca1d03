package vmm

import (
	"testing"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/hv/aarch64"
	"github.com/tinyrange/shyr/internal/trap"
)

// TestGICSysRegEmulation drives interrupt delivery the way a v3 guest
// does: acknowledge through ICC_IAR1, complete through ICC_EOIR1.
func TestGICSysRegEmulation(t *testing.T) {
	mgr, _ := newTestManager(t)
	vm := createSample(t, mgr)

	d := trap.NewDispatcher(nil)
	d.Resolve = mgr.Resolve
	d.RouteIRQ = mgr.RouteIRQ
	if err := mgr.RegisterSysRegs(d); err != nil {
		t.Fatalf("register sysregs: %v", err)
	}

	// Enable and inject IRQ 46.
	dispatchMMIO(t, vm, 0x800_0000+0x100+4, 4, true, 1<<(46-32))
	if err := vm.Intr().Inject(0, 46); err != nil {
		t.Fatalf("inject: %v", err)
	}

	v := vm.VCpus()[0]
	pc := v.Ctx.PC

	// MRS x3, ICC_IAR1_EL1
	err := d.Handle(nil, v, hv.Exit{Kind: hv.ExitSysReg, Sys: hv.SysRegAccess{
		Key: aarch64.SysRegKey(3, 0, 12, 12, 0), Reg: 3,
	}})
	if err != nil {
		t.Fatalf("iar: %v", err)
	}
	if v.Ctx.Reg(3) != 46 {
		t.Fatalf("acknowledged %d", v.Ctx.Reg(3))
	}
	if v.Ctx.PC != pc+4 {
		t.Fatalf("pc not advanced")
	}

	// MSR ICC_EOIR1_EL1, x3
	err = d.Handle(nil, v, hv.Exit{Kind: hv.ExitSysReg, Sys: hv.SysRegAccess{
		Key: aarch64.SysRegKey(3, 0, 12, 12, 1), Reg: 3, Write: true,
	}})
	if err != nil {
		t.Fatalf("eoir: %v", err)
	}
	if vm.GIC().EOICount(0) != 1 {
		t.Fatalf("eoi not recorded")
	}

	// Unregistered encodings inject undefined into the guest.
	v.Ctx.Sys[hv.RegisterARM64VbarEl1] = 0xfff0_0000
	err = d.Handle(nil, v, hv.Exit{Kind: hv.ExitSysReg, Sys: hv.SysRegAccess{
		Key: aarch64.SysRegKey(3, 3, 9, 9, 9), Reg: 1,
	}})
	if err != nil {
		t.Fatalf("unknown sysreg: %v", err)
	}
	if v.Ctx.PC != 0xfff0_0000+0x200 {
		t.Fatalf("undefined not injected: pc 0x%x", v.Ctx.PC)
	}
}
