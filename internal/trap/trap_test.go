package trap

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/vcpu"
)

type fakeOwner struct {
	vmid    uint32
	version atomic.Uint64
}

func (o *fakeOwner) VMID() uint32                     { return o.vmid }
func (o *fakeOwner) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }
func (o *fakeOwner) PcpuAllowed(p int) bool           { return true }
func (o *fakeOwner) Version() uint64                  { return o.version.Load() }

type fakeVM struct {
	bus       *emudev.Bus
	mvm       bool
	writeFix  map[uint64]bool
	populated []uint64
	pending   bool
}

func (f *fakeVM) Bus() *emudev.Bus { return f.bus }
func (f *fakeVM) HandleWriteFault(ipa uint64) bool {
	return f.writeFix[ipa]
}
func (f *fakeVM) PopulateOnDemand(ipa uint64) error {
	if ipa>>28 == 0x9 { // lazy window for the test
		f.populated = append(f.populated, ipa)
		return nil
	}
	return fmt.Errorf("trap test: %w", hv.ErrUnmapped)
}
func (f *fakeVM) IsMVM() bool { return f.mvm }
func (f *fakeVM) PendingIRQ(vcpuID int) (uint32, bool) {
	if f.pending {
		return 46, true
	}
	return 0, false
}

type regDev struct {
	region hv.MMIORegion
	value  uint64
	wrote  uint64
}

func (d *regDev) Kind() emudev.Kind     { return emudev.KindVirtioConsole }
func (d *regDev) Region() hv.MMIORegion { return d.region }
func (d *regDev) HandleRead(addr uint64, width int) (uint64, error) {
	return d.value, nil
}
func (d *regDev) HandleWrite(addr uint64, width int, val uint64) error {
	d.wrote = val
	return nil
}

func newTestDispatcher(t *testing.T, vm *fakeVM) (*Dispatcher, *vcpu.Pcpu, *vcpu.VCpu) {
	t.Helper()
	d := NewDispatcher(nil)
	d.Resolve = func(vmid uint32) VMView { return vm }
	d.RouteIRQ = func(irq uint32) IRQRoute { return IRQRoute{} }

	set := vcpu.NewSet(1)
	owner := &fakeOwner{vmid: 1}
	v := vcpu.New(owner, 0, 0x8000_0000)
	p := set.Pcpu(0)
	if err := p.Enqueue(v); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return d, p, v
}

func TestMMIOReadWritesRegister(t *testing.T) {
	dev := &regDev{region: hv.MMIORegion{Address: 0x4000_1000, Size: 0x200}, value: 0x42}
	vm := &fakeVM{bus: emudev.NewBus(nil)}
	if err := vm.bus.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, p, v := newTestDispatcher(t, vm)

	pc := v.Ctx.PC
	err := d.Handle(p, v, hv.Exit{Kind: hv.ExitMMIO, MMIO: hv.MMIOAccess{
		Addr: 0x4000_1000, Width: 4, Reg: 3,
	}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if v.Ctx.Reg(3) != 0x42 {
		t.Fatalf("x3 = %x", v.Ctx.Reg(3))
	}
	if v.Ctx.PC != pc+4 {
		t.Fatalf("pc not advanced: %x", v.Ctx.PC)
	}
}

func TestMMIOWriteSourcesRegister(t *testing.T) {
	dev := &regDev{region: hv.MMIORegion{Address: 0x4000_1000, Size: 0x200}}
	vm := &fakeVM{bus: emudev.NewBus(nil)}
	if err := vm.bus.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, p, v := newTestDispatcher(t, vm)

	v.Ctx.SetReg(5, 0xdead_beef_0000_0001)
	err := d.Handle(p, v, hv.Exit{Kind: hv.ExitMMIO, MMIO: hv.MMIOAccess{
		Addr: 0x4000_1050, Width: 1, Write: true, Reg: 5,
	}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Only the low byte of a 1-byte access reaches the device.
	if dev.wrote != 0x01 {
		t.Fatalf("device wrote %x", dev.wrote)
	}
}

func TestUnclaimedMMIOInjectsAbort(t *testing.T) {
	vm := &fakeVM{bus: emudev.NewBus(nil)}
	d, p, v := newTestDispatcher(t, vm)

	v.Ctx.Sys[hv.RegisterARM64VbarEl1] = 0xffff_0000
	pc := v.Ctx.PC
	err := d.Handle(p, v, hv.Exit{Kind: hv.ExitMMIO, MMIO: hv.MMIOAccess{
		Addr: 0x6000_0000, Width: 4,
	}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if v.Ctx.PC != 0xffff_0000+0x200 {
		t.Fatalf("pc %x, want vector entry", v.Ctx.PC)
	}
	if v.Ctx.Sys[hv.RegisterARM64ElrEl1] != pc {
		t.Fatalf("elr %x", v.Ctx.Sys[hv.RegisterARM64ElrEl1])
	}
	if v.Ctx.Sys[hv.RegisterARM64FarEl1] != 0x6000_0000 {
		t.Fatalf("far %x", v.Ctx.Sys[hv.RegisterARM64FarEl1])
	}
}

func TestFaultPaths(t *testing.T) {
	vm := &fakeVM{
		bus:      emudev.NewBus(nil),
		writeFix: map[uint64]bool{0x8000_2000: true},
	}
	d, p, v := newTestDispatcher(t, vm)

	// Dirty-tracking permission fault: handled, instruction retried.
	pc := v.Ctx.PC
	err := d.Handle(p, v, hv.Exit{Kind: hv.ExitFault, Fault: hv.Fault{
		IPA: 0x8000_2000, Write: true,
	}})
	if err != nil || v.Ctx.PC != pc {
		t.Fatalf("perm fault: %v pc=%x", err, v.Ctx.PC)
	}

	// Translation fault in the lazy window: populated.
	err = d.Handle(p, v, hv.Exit{Kind: hv.ExitFault, Fault: hv.Fault{
		IPA: 0x9000_1000, Translation: true,
	}})
	if err != nil || len(vm.populated) != 1 {
		t.Fatalf("populate fault: %v populated=%v", err, vm.populated)
	}

	// Translation fault elsewhere: reflected to the guest.
	v.Ctx.Sys[hv.RegisterARM64VbarEl1] = 0xffff_0000
	err = d.Handle(p, v, hv.Exit{Kind: hv.ExitFault, Fault: hv.Fault{
		IPA: 0x2000_0000, Translation: true,
	}})
	if err != nil || v.Ctx.PC != 0xffff_0200 {
		t.Fatalf("abort fault: %v pc=%x", err, v.Ctx.PC)
	}
}

func TestHypercallPrivilege(t *testing.T) {
	vm := &fakeVM{bus: emudev.NewBus(nil)}
	d, p, v := newTestDispatcher(t, vm)

	var called atomic.Int64
	if err := d.RegisterGroup(0x2, true, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		called.Add(1)
		return 7, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Unprivileged caller: PermissionDenied in x0, handler untouched.
	err := d.Handle(p, v, hv.Exit{Kind: hv.ExitHypercall, Call: hv.Hypercall{ID: hv.CallID(0x2, 0)}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if called.Load() != 0 {
		t.Fatalf("privileged handler ran for unprivileged vm")
	}
	if code := hv.CodeError(int64(v.Ctx.Reg(0))); !errors.Is(code, hv.ErrPermissionDenied) {
		t.Fatalf("x0 = %d, want PermissionDenied", int64(v.Ctx.Reg(0)))
	}

	// Same call from the MVM succeeds.
	vm.mvm = true
	if err := d.Handle(p, v, hv.Exit{Kind: hv.ExitHypercall, Call: hv.Hypercall{ID: hv.CallID(0x2, 0)}}); err != nil {
		t.Fatalf("handle mvm: %v", err)
	}
	if called.Load() != 1 || v.Ctx.Reg(0) != 7 {
		t.Fatalf("mvm call: called=%d x0=%d", called.Load(), v.Ctx.Reg(0))
	}
}

func TestWFIBlocksUnlessPending(t *testing.T) {
	vm := &fakeVM{bus: emudev.NewBus(nil)}
	d, p, v := newTestDispatcher(t, vm)
	if _, err := p.PickNext(); err != nil {
		t.Fatalf("pick: %v", err)
	}

	// With an interrupt pending the vCPU keeps running.
	vm.pending = true
	if err := d.Handle(p, v, hv.Exit{Kind: hv.ExitWFI}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if v.State() != vcpu.StateRunning {
		t.Fatalf("state %s after wfi with pending irq", v.State())
	}

	vm.pending = false
	if err := d.Handle(p, v, hv.Exit{Kind: hv.ExitWFI}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if v.State() != vcpu.StateBlocked {
		t.Fatalf("state %s after wfi", v.State())
	}
}

func TestIRQRouting(t *testing.T) {
	vm := &fakeVM{bus: emudev.NewBus(nil)}
	d, p, _ := newTestDispatcher(t, vm)

	var injected []uint32
	d.RouteIRQ = func(irq uint32) IRQRoute {
		if irq == 72 {
			return IRQRoute{VMID: 1, VCpu: 0, Owned: true}
		}
		return IRQRoute{}
	}
	d.InjectIRQ = func(vmid uint32, vcpuID int, irq uint32) error {
		injected = append(injected, irq)
		return nil
	}
	ticks := 0
	d.TimerTick = func(p *vcpu.Pcpu) { ticks++ }

	if err := d.Handle(p, nil, hv.Exit{Kind: hv.ExitIRQ, IRQ: 72}); err != nil {
		t.Fatalf("guest irq: %v", err)
	}
	if err := d.Handle(p, nil, hv.Exit{Kind: hv.ExitIRQ, IRQ: 27}); err != nil {
		t.Fatalf("hyp irq: %v", err)
	}
	if len(injected) != 1 || injected[0] != 72 || ticks != 1 {
		t.Fatalf("routing: injected=%v ticks=%d", injected, ticks)
	}
}
