package vmm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/hv/aarch64"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/vcpu"
)

func newTestManager(t *testing.T) (*Manager, *vcpu.Set) {
	t.Helper()
	set := vcpu.NewSet(4)
	arch := aarch64.New(4, set.Deliver)
	set.AttachArch(arch)

	pool, err := mm.NewPool(0x4000_0000, 192<<20)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	mgr, err := NewManager(nil, arch, pool, set)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return mgr, set
}

func createSample(t *testing.T, mgr *Manager) *Vm {
	t.Helper()
	cfg, err := ParseVMConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	vm, err := mgr.Create(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return vm
}

func TestCreatePrefillsStage2(t *testing.T) {
	mgr, _ := newTestManager(t)
	vm := createSample(t, mgr)

	if vm.State() != StateConfigured {
		t.Fatalf("state %s", vm.State())
	}
	if !vm.IsMVM() {
		t.Fatalf("first vm is not the mvm")
	}

	// Every page of the configured region translates.
	for _, off := range []uint64{0, mm.PageSize, 0x400_0000 - mm.PageSize} {
		if _, err := vm.AddressSpace().Translate(0x8000_0000 + off); err != nil {
			t.Fatalf("translate +0x%x: %v", off, err)
		}
	}
	// Guest memory round-trips through the stage-2 view.
	mem := vm.Memory()
	payload := []byte("guest ram")
	if _, err := mem.WriteAt(payload, 0x8000_1000); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := mem.ReadAt(got, 0x8000_1000); err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, %v", got, err)
	}
	// The passthrough UART window is mapped as device memory.
	if pa, err := vm.AddressSpace().Translate(0x900_0000); err != nil || pa != 0x900_0000 {
		t.Fatalf("passthrough translate: 0x%x, %v", pa, err)
	}
}

func TestBootPlacesVcpus(t *testing.T) {
	mgr, set := newTestManager(t)
	vm := createSample(t, mgr)

	// Booting without the kernel image fails and rolls back.
	if err := mgr.Boot(vm.ID()); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("boot without image: %v", err)
	}
	if vm.State() != StateConfigured {
		t.Fatalf("state after failed boot: %s", vm.State())
	}

	kernel := bytes.Repeat([]byte{0xd5, 0x03, 0x20, 0x1f}, 1024) // nop sled
	mgr.UploadImage("Image-gvm1", kernel)
	mgr.UploadImage("gvm1.dtb", nil)

	if err := mgr.Boot(vm.ID()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if vm.State() != StateRunning {
		t.Fatalf("state %s", vm.State())
	}

	// The kernel landed at its load address.
	got := make([]byte, 8)
	if _, err := vm.Memory().ReadAt(got, 0x8008_0000); err != nil || !bytes.Equal(got, kernel[:8]) {
		t.Fatalf("kernel bytes %x, %v", got, err)
	}

	// Placement honours the bitmap (0b1110, master 1): pcpu 0 stays empty,
	// the master core holds the primary vCPU.
	if set.Pcpu(0).QueueLen() != 0 {
		t.Fatalf("pcpu 0 has work outside the bitmap")
	}
	total := 0
	for p := 1; p < 4; p++ {
		total += set.Pcpu(p).QueueLen()
	}
	if total != 3 {
		t.Fatalf("placed %d vcpus, want 3", total)
	}
	if set.Pcpu(1).QueueLen() == 0 {
		t.Fatalf("master pcpu did not receive the primary vcpu")
	}

	// The primary vCPU boots at the entry point with the DTB address in
	// the first argument register.
	primary := vm.VCpus()[0]
	if primary.Ctx.PC != 0x8008_0000 || primary.Ctx.Reg(0) != 0x8000_0000 {
		t.Fatalf("primary entry pc=0x%x x0=0x%x", primary.Ctx.PC, primary.Ctx.Reg(0))
	}
}

func TestLifecycleTransitions(t *testing.T) {
	mgr, _ := newTestManager(t)
	vm := createSample(t, mgr)
	mgr.UploadImage("Image-gvm1", []byte{0})
	mgr.UploadImage("gvm1.dtb", nil)

	if err := mgr.Suspend(vm.ID()); !errors.Is(err, hv.ErrStateInvalid) {
		t.Fatalf("suspend configured vm: %v", err)
	}
	if err := mgr.Boot(vm.ID()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := mgr.Boot(vm.ID()); !errors.Is(err, hv.ErrStateInvalid) {
		t.Fatalf("double boot: %v", err)
	}
	if err := mgr.Suspend(vm.ID()); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := mgr.Resume(vm.ID()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := mgr.Remove(vm.ID()); !errors.Is(err, hv.ErrStateInvalid) {
		t.Fatalf("remove running vm: %v", err)
	}
	if err := mgr.Shutdown(vm.ID()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := mgr.Remove(vm.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := mgr.Get(vm.ID()); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("get after remove: %v", err)
	}
}

// dispatchMMIO drives the VM's device bus the way the trap path does.
func dispatchMMIO(t *testing.T, vm *Vm, addr uint64, width int, write bool, val uint64) uint64 {
	t.Helper()
	access := hv.MMIOAccess{Addr: addr, Width: width, Write: write, Value: val}
	handled, err := vm.Bus().Dispatch(&access)
	if err != nil || !handled {
		t.Fatalf("dispatch 0x%x: handled=%v err=%v", addr, handled, err)
	}
	return access.Value
}

// TestConsoleNotifyInjectsIRQ is the device-MMIO end-to-end: the guest
// programs the console transport, kicks the notify register, and the
// device IRQ becomes deliverable through the virtual distributor.
func TestConsoleNotifyInjectsIRQ(t *testing.T) {
	mgr, _ := newTestManager(t)
	vm := createSample(t, mgr)

	var sink bytes.Buffer
	vm.Consoles()[0].SetSink(&sink)

	// Enable IRQ 46 at the virtual distributor.
	dispatchMMIO(t, vm, 0x800_0000+0x100+4, 4, true, 1<<(46-32))

	const conBase = 0x4000_1000
	const descTable = 0x8010_0000
	const avail = 0x8010_1000
	const used = 0x8010_2000
	const buf = 0x8010_3000

	// Queue 1 (tx) setup through transport registers.
	dispatchMMIO(t, vm, conBase+0x30, 4, true, 1)         // queue sel
	dispatchMMIO(t, vm, conBase+0x38, 4, true, 8)         // queue num
	dispatchMMIO(t, vm, conBase+0x80, 4, true, descTable) // desc low
	dispatchMMIO(t, vm, conBase+0x90, 4, true, avail)     // avail low
	dispatchMMIO(t, vm, conBase+0xa0, 4, true, used)      // used low
	dispatchMMIO(t, vm, conBase+0x44, 4, true, 1)         // ready

	// One transmit descriptor with the banner.
	mem := vm.Memory()
	banner := []byte("booting shyr guest\n")
	if _, err := mem.WriteAt(banner, buf); err != nil {
		t.Fatalf("banner: %v", err)
	}
	desc := make([]byte, 16)
	binary.LittleEndian.PutUint64(desc[0:], buf)
	binary.LittleEndian.PutUint32(desc[8:], uint32(len(banner)))
	if _, err := mem.WriteAt(desc, descTable); err != nil {
		t.Fatalf("desc: %v", err)
	}
	availRing := make([]byte, 8)
	binary.LittleEndian.PutUint16(availRing[2:], 1) // avail idx = 1
	binary.LittleEndian.PutUint16(availRing[4:], 0) // ring[0] = head 0
	if _, err := mem.WriteAt(availRing, avail); err != nil {
		t.Fatalf("avail: %v", err)
	}

	// Kick.
	dispatchMMIO(t, vm, conBase+0x50, 4, true, 1)

	if sink.String() != string(banner) {
		t.Fatalf("sink %q", sink.String())
	}

	// A used-ring entry was published with the accepted length.
	usedHdr := make([]byte, 12)
	if _, err := mem.ReadAt(usedHdr, used); err != nil {
		t.Fatalf("used: %v", err)
	}
	if binary.LittleEndian.Uint16(usedHdr[2:4]) != 1 {
		t.Fatalf("used idx %d", binary.LittleEndian.Uint16(usedHdr[2:4]))
	}
	if binary.LittleEndian.Uint32(usedHdr[8:12]) != uint32(len(banner)) {
		t.Fatalf("used len %d", binary.LittleEndian.Uint32(usedHdr[8:12]))
	}

	// IRQ 46 is deliverable on vCPU 0.
	if irq := vm.GIC().Acknowledge(0); irq != 46 {
		t.Fatalf("ack = %d, want 46", irq)
	}
}

// TestMigrateVcpuBetweenPcpus is the affinity-migration path: the vCPU
// moves to the new core and stays schedulable there.
func TestMigrateVcpuBetweenPcpus(t *testing.T) {
	mgr, set := newTestManager(t)
	vm := createSample(t, mgr)
	mgr.UploadImage("Image-gvm1", []byte{0})
	mgr.UploadImage("gvm1.dtb", nil)
	if err := mgr.Boot(vm.ID()); err != nil {
		t.Fatalf("boot: %v", err)
	}

	// Moving outside the bitmap is refused.
	if err := mgr.MigrateVcpu(vm.ID(), 0, 0); !errors.Is(err, hv.ErrPermissionDenied) {
		t.Fatalf("migrate outside bitmap: %v", err)
	}

	if err := mgr.MigrateVcpu(vm.ID(), 0, 2); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	found := false
	p := set.Pcpu(2)
	for got, err := p.PickNext(); got != nil; got, err = p.PickNext() {
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if got == vm.VCpus()[0] {
			found = true
			break
		}
		p.Yield()
	}
	if !found {
		t.Fatalf("vcpu 0 not runnable on pcpu 2")
	}
}
