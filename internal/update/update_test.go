package update

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/hv/aarch64"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/vcpu"
	"github.com/tinyrange/shyr/internal/vmm"
)

const updateConfig = `{
  "name": "mvm",
  "type": "VM_T_LINUX",
  "cmdline": "console=hvc0",
  "image": {
    "kernel_filename": "Image-u",
    "kernel_load_ipa": "0x80080000",
    "kernel_entry_point": "0x80080000",
    "device_tree_filename": "",
    "device_tree_load_ipa": "0x0",
    "ramdisk_filename": "",
    "ramdisk_load_ipa": "0x0"
  },
  "memory": {"region": [{"ipa_start": "0x80000000", "length": "0x400000"}]},
  "cpu": {"num": 1, "allocate_bitmap": "0x1", "master": 0},
  "emulated_device": {
    "emulated_device_list": [
      {"name": "vgicd", "base_ipa": "0x8000000", "length": "0x10000",
       "irq_id": 0, "cfg_num": 0, "cfg_list": [], "type": "GICD"},
      {"name": "virtio_console", "base_ipa": "0x40001000", "length": "0x200",
       "irq_id": 46, "cfg_num": 0, "cfg_list": [], "type": "VIRTIO_CONSOLE"}
    ]
  },
  "passthrough_device": {"passthrough_device_list": []},
  "dtb_device": {"dtb_device_list": []}
}`

type wfiExec struct{}

func (wfiExec) Run(v *vcpu.VCpu) (hv.Exit, error) {
	time.Sleep(time.Millisecond)
	return hv.Exit{Kind: hv.ExitWFI}, nil
}

type blockSink struct{}

func (blockSink) Handle(p *vcpu.Pcpu, v *vcpu.VCpu, exit hv.Exit) error {
	if exit.Kind == hv.ExitWFI {
		return p.Block(v, vcpu.BlockWFI)
	}
	return nil
}

func TestImageRoundTrip(t *testing.T) {
	img := BuildImage("1.2.3", []byte("payload"))
	version, payload, err := ParseImage(img)
	if err != nil || version != "1.2.3" || string(payload) != "payload" {
		t.Fatalf("round trip: %q %q %v", version, payload, err)
	}
	if _, _, err := ParseImage([]byte("short")); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("short image: %v", err)
	}
}

func TestLoadVersionGate(t *testing.T) {
	set := vcpu.NewSet(1)
	arch := aarch64.New(1, set.Deliver)
	set.AttachArch(arch)
	pool, err := mm.NewPool(0x4000_0000, 32<<20)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	mgr, err := vmm.NewManager(nil, arch, pool, set)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	e := NewEngine(nil, mgr, arch, set, "1.0.0")

	if err := e.Load(BuildImage("1.0.0", nil)); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("same version accepted: %v", err)
	}
	if err := e.Load(BuildImage("0.9.0", nil)); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("older version accepted: %v", err)
	}
	if err := e.Load(BuildImage("1.1.0", nil)); err != nil {
		t.Fatalf("newer version refused: %v", err)
	}
}

// TestApplyHandsOff runs the full update: quiesce running pCPU loops,
// serialise, transfer into a fresh manager, and check the VM resumed with
// its state and device registrations intact.
func TestApplyHandsOff(t *testing.T) {
	set := vcpu.NewSet(2)
	arch := aarch64.New(2, set.Deliver)
	set.AttachArch(arch)
	pool, err := mm.NewPool(0x4000_0000, 64<<20)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	mgr, err := vmm.NewManager(nil, arch, pool, set)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	cfg, err := vmm.ParseVMConfig([]byte(updateConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	vm, err := mgr.Create(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.UploadImage("Image-u", []byte{0x1f, 0x20, 0x03, 0xd5})
	if err := mgr.Boot(vm.ID()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	// Dirty tracking armed before the update must not survive it.
	if err := vm.AddressSpace().SetDirtyTracking(true); err != nil {
		t.Fatalf("tracking: %v", err)
	}
	vm.VCpus()[0].Ctx.PC = 0x8008_0040
	if _, err := vm.Memory().WriteAt([]byte("persists"), 0x8010_0000); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := NewEngine(nil, mgr, arch, set, "1.0.0")
	if err := e.Load(BuildImage("2.0.0", nil)); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Live pCPU loops take the barrier.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < set.Count(); i++ {
		p := set.Pcpu(i)
		go func() {
			_ = p.RunLoop(ctx, vcpu.RunLoopConfig{
				Exec:    wfiExec{},
				Sink:    blockSink{},
				Barrier: e.Barrier,
			})
		}()
	}

	var newMgr *vmm.Manager
	e.Transfer = func(state []byte) error {
		m, err := vmm.NewManager(nil, arch, pool, set)
		if err != nil {
			return err
		}
		if _, err := Restore(nil, m, state); err != nil {
			return err
		}
		newMgr = m
		return nil
	}

	if err := e.Apply(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if newMgr == nil {
		t.Fatalf("transfer never ran")
	}

	got, err := newMgr.Get(vm.ID())
	if err != nil {
		t.Fatalf("adopted vm: %v", err)
	}
	if got.State() != vmm.StateRunning {
		t.Fatalf("adopted state %s", got.State())
	}
	if got.VCpus()[0].Ctx.PC != 0x8008_0040 {
		t.Fatalf("adopted pc 0x%x", got.VCpus()[0].Ctx.PC)
	}
	buf := make([]byte, 8)
	if _, err := got.Memory().ReadAt(buf, 0x8010_0000); err != nil || string(buf) != "persists" {
		t.Fatalf("adopted memory %q %v", buf, err)
	}
	// Emulated-device registrations survived the handoff.
	if len(got.Bus().Handlers()) == 0 {
		t.Fatalf("no device registrations after handoff")
	}
	if len(got.Consoles()) != 1 {
		t.Fatalf("console device lost")
	}
	// Dirty tracking was cleared.
	if got.AddressSpace().TrackingEnabled() {
		t.Fatalf("dirty tracking survived the handoff")
	}

	// The old registry detached without freeing adopted frames.
	if len(mgr.List()) != 0 {
		t.Fatalf("old registry still holds vms")
	}
}
