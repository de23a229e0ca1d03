package vplic

import "testing"

func newTestPlic(t *testing.T, vcpus int, phys PhysOps, passthrough []uint32) *VPlic {
	t.Helper()
	p, err := New(Config{Base: 0x0c00_0000, VCPUs: vcpus, Phys: phys, Passthrough: passthrough})
	if err != nil {
		t.Fatalf("new vplic: %v", err)
	}
	return p
}

func (p *VPlic) mustWrite(t *testing.T, off uint64, val uint64) {
	t.Helper()
	if err := p.MMIO().HandleWrite(0x0c00_0000+off, 4, val); err != nil {
		t.Fatalf("write 0x%x: %v", off, err)
	}
}

func (p *VPlic) mustRead(t *testing.T, off uint64) uint64 {
	t.Helper()
	v, err := p.MMIO().HandleRead(0x0c00_0000+off, 4)
	if err != nil {
		t.Fatalf("read 0x%x: %v", off, err)
	}
	return v
}

func TestClaimComplete(t *testing.T) {
	p := newTestPlic(t, 1, nil, nil)

	// Priority 5 on source 10, enabled for context 0, threshold 0.
	p.mustWrite(t, 10*4, 5)
	p.mustWrite(t, enableBase+(10/32)*4, 1<<(10%32))

	if err := p.Inject(10); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if !p.PendingFor(0) {
		t.Fatalf("not pending")
	}

	// Claim through the MMIO register clears pending.
	got := p.mustRead(t, thresholdBase+4)
	if got != 10 {
		t.Fatalf("claim = %d", got)
	}
	if p.PendingFor(0) {
		t.Fatalf("still pending after claim")
	}

	// Complete through the MMIO register.
	p.mustWrite(t, thresholdBase+4, 10)
	if p.Claim(0) != 0 {
		t.Fatalf("claim after complete")
	}
}

func TestPriorityOrderAndThreshold(t *testing.T) {
	p := newTestPlic(t, 1, nil, nil)

	p.mustWrite(t, 5*4, 2)
	p.mustWrite(t, 6*4, 7)
	p.mustWrite(t, enableBase, 1<<5|1<<6)

	if err := p.Inject(5); err != nil {
		t.Fatalf("inject 5: %v", err)
	}
	if err := p.Inject(6); err != nil {
		t.Fatalf("inject 6: %v", err)
	}

	// Higher priority claims first.
	if got := p.Claim(0); got != 6 {
		t.Fatalf("first claim %d, want 6", got)
	}

	// Threshold masks the remaining low-priority source.
	p.mustWrite(t, thresholdBase, 3)
	if p.PendingFor(0) {
		t.Fatalf("source below threshold still pending")
	}
	p.mustWrite(t, thresholdBase, 1)
	if got := p.Claim(0); got != 5 {
		t.Fatalf("second claim %d, want 5", got)
	}
}

type fakePhysPlic struct {
	enables map[[2]uint32]bool // (source, hart) -> enabled
	prios   map[uint32]uint32
}

func newFakePhysPlic() *fakePhysPlic {
	return &fakePhysPlic{enables: make(map[[2]uint32]bool), prios: make(map[uint32]uint32)}
}

func (f *fakePhysPlic) SetEnable(source uint32, hart int, on bool) {
	f.enables[[2]uint32{source, uint32(hart)}] = on
}
func (f *fakePhysPlic) SetPriority(source uint32, prio uint32) { f.prios[source] = prio }

func TestPassthroughAffinityMigration(t *testing.T) {
	phys := newFakePhysPlic()
	p := newTestPlic(t, 2, phys, []uint32{9})

	p.mustWrite(t, 9*4, 4)
	p.mustWrite(t, enableBase, 1<<9) // context 0 enables source 9

	if phys.prios[9] != 4 {
		t.Fatalf("priority not mirrored: %d", phys.prios[9])
	}
	if !phys.enables[[2]uint32{9, 0}] {
		t.Fatalf("enable not mirrored to hart 0")
	}

	p.MigrateAffinity(0, 1)
	if phys.enables[[2]uint32{9, 0}] {
		t.Fatalf("stale hart still enabled")
	}
	if !phys.enables[[2]uint32{9, 1}] {
		t.Fatalf("new hart not enabled")
	}
}
