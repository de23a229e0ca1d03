package ivc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/hv/aarch64"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/trap"
	"github.com/tinyrange/shyr/internal/vcpu"
	"github.com/tinyrange/shyr/internal/vmm"
)

const ivcConfig = `{
  "name": "%s",
  "type": "VM_T_BAREMETAL",
  "cmdline": "",
  "image": {
    "kernel_filename": "", "kernel_load_ipa": "0x0",
    "kernel_entry_point": "0x80000000",
    "device_tree_filename": "", "device_tree_load_ipa": "0x0",
    "ramdisk_filename": "", "ramdisk_load_ipa": "0x0"
  },
  "memory": {"region": [%s]},
  "cpu": {"num": 1, "allocate_bitmap": "0x1", "master": 0},
  "emulated_device": {
    "emulated_device_list": [
      {"name": "vgicd", "base_ipa": "0x8000000", "length": "0x10000",
       "irq_id": 0, "cfg_num": 0, "cfg_list": [], "type": "GICD"}
    ]
  },
  "passthrough_device": {"passthrough_device_list": []},
  "dtb_device": {"dtb_device_list": []}
}`

func setupIVC(t *testing.T) (*vmm.Manager, *Service, *trap.Dispatcher, *vmm.Vm, *vmm.Vm) {
	t.Helper()
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

	svc := New(nil, mgr, arch)
	d := trap.NewDispatcher(nil)
	d.Resolve = mgr.Resolve
	d.RouteIRQ = mgr.RouteIRQ
	if err := svc.RegisterHypercalls(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	mk := func(name, regions string) *vmm.Vm {
		cfg, err := vmm.ParseVMConfig([]byte(fmt.Sprintf(ivcConfig, name, regions)))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		vm, err := mgr.Create(cfg)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		return vm
	}
	// The owner carries an extra region used as the shared window; the
	// peer maps it only through the share hypercall.
	base := `{"ipa_start": "0x80000000", "length": "0x200000"}`
	shared := base + `, {"ipa_start": "0x90000000", "length": "0x10000"}`
	return mgr, svc, d, mk("mvm", shared), mk("peer", base)
}

func hypercall(t *testing.T, d *trap.Dispatcher, v *vcpu.VCpu, fn uint8, args ...uint64) uint64 {
	t.Helper()
	call := hv.Hypercall{ID: hv.CallID(Group, fn)}
	copy(call.Args[:], args)
	if err := d.Handle(nil, v, hv.Exit{Kind: hv.ExitHypercall, Call: call}); err != nil {
		t.Fatalf("hypercall: %v", err)
	}
	return v.Ctx.Reg(0)
}

func TestMessageQueue(t *testing.T) {
	_, _, d, mvm, peer := setupIVC(t)
	sender := mvm.VCpus()[0]
	receiver := peer.VCpus()[0]

	// Empty queue: NotFound.
	if code := hypercall(t, d, receiver, FnRecvMsg); !errors.Is(hv.CodeError(int64(code)), hv.ErrNotFound) {
		t.Fatalf("recv empty: %d", int64(code))
	}

	if code := hypercall(t, d, sender, FnSendMsg, uint64(peer.ID()), 0xabcd); code != 0 {
		t.Fatalf("send: %d", int64(code))
	}
	got := hypercall(t, d, receiver, FnRecvMsg)
	if got != 0xabcd {
		t.Fatalf("recv word 0x%x", got)
	}
	if from := receiver.Ctx.Reg(1); from != uint64(mvm.ID()) {
		t.Fatalf("sender id %d", from)
	}

	// Sending to a missing VM fails.
	if code := hypercall(t, d, sender, FnSendMsg, 99, 1); !errors.Is(hv.CodeError(int64(code)), hv.ErrNotFound) {
		t.Fatalf("send to missing vm: %d", int64(code))
	}
}

func TestSharedMemory(t *testing.T) {
	_, _, d, mvm, peer := setupIVC(t)
	owner := mvm.VCpus()[0]

	// Owner writes a pattern into its shared window, shares the page,
	// and the peer reads it through its own stage-2.
	if _, err := mvm.Memory().WriteAt([]byte("shared page"), 0x9000_0000); err != nil {
		t.Fatalf("owner write: %v", err)
	}
	if _, err := peer.Memory().ReadAt(make([]byte, 1), 0x9000_0000); err == nil {
		t.Fatalf("peer could read before the share")
	}
	if code := hypercall(t, d, owner, FnShareMem, uint64(peer.ID()), 0x9000_0000, mm.PageSize); code != 0 {
		t.Fatalf("share: %d", int64(code))
	}

	buf := make([]byte, 11)
	if _, err := peer.Memory().ReadAt(buf, 0x9000_0000); err != nil || string(buf) != "shared page" {
		t.Fatalf("peer read: %q %v", buf, err)
	}

	// Unaligned shares are rejected.
	if code := hypercall(t, d, owner, FnShareMem, uint64(peer.ID()), 0x9000_0010, mm.PageSize); !errors.Is(hv.CodeError(int64(code)), hv.ErrInvalidArgument) {
		t.Fatalf("unaligned share: %d", int64(code))
	}
}

func TestGetTime(t *testing.T) {
	_, _, d, mvm, _ := setupIVC(t)
	v := mvm.VCpus()[0]
	a := hypercall(t, d, v, FnGetTime)
	b := hypercall(t, d, v, FnGetTime)
	if b < a {
		t.Fatalf("counter went backwards: %d -> %d", a, b)
	}
}
