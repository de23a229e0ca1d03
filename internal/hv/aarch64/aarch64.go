// Package aarch64 implements the architecture abstraction for ARMv8-A
// hosts running the engine at EL2.
package aarch64

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/shyr/internal/hv"
)

// CounterHz is the virtual counter frequency reported to guests (CNTFRQ).
const CounterHz = 62_500_000

type pcpuState struct {
	control [8]uint64

	timerCompare atomic.Uint64
	timerArmed   atomic.Bool
}

// Arch is the AArch64 implementation of hv.Arch. Per-pCPU EL2 control state
// lives in a fixed array indexed by cpu id; IPI delivery and secondary
// release are callbacks into the pCPU layer so the backend stays free of
// scheduler knowledge.
type Arch struct {
	cpus    int
	state   []pcpuState
	started time.Time

	deliver func(target int, msg hv.IPIMessage) error

	mu       sync.Mutex
	parked   map[int]bool
	release  func(pcpu int, entry uint64)
	tlbGen   map[uint32]uint64
	cacheOps atomic.Uint64
}

// New builds the backend for the given pCPU count. deliver posts an IPI
// message to a target pCPU mailbox.
func New(cpus int, deliver func(target int, msg hv.IPIMessage) error) *Arch {
	a := &Arch{
		cpus:    cpus,
		state:   make([]pcpuState, cpus),
		started: time.Now(),
		deliver: deliver,
		parked:  make(map[int]bool),
		tlbGen:  make(map[uint32]uint64),
	}
	for i := 1; i < cpus; i++ {
		a.parked[i] = true
	}
	return a
}

func (a *Arch) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

// OnSecondaryRelease installs the hook invoked when StartSecondary releases
// a parked core.
func (a *Arch) OnSecondaryRelease(fn func(pcpu int, entry uint64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release = fn
}

func (a *Arch) ReadControl(pcpu int, reg hv.ControlReg) uint64 {
	if pcpu < 0 || pcpu >= a.cpus || int(reg) >= len(a.state[pcpu].control) {
		return 0
	}
	return a.state[pcpu].control[reg]
}

func (a *Arch) WriteControl(pcpu int, reg hv.ControlReg, val uint64) {
	if pcpu < 0 || pcpu >= a.cpus || int(reg) >= len(a.state[pcpu].control) {
		return
	}
	a.state[pcpu].control[reg] = val
}

func (a *Arch) CacheOpRange(op hv.CacheOp, va, length uint64) {
	// DC/IC by VA loops in the real vector; the engine only has to account
	// for them so tests can observe maintenance happened.
	a.cacheOps.Add(1)
}

// CacheOpCount returns the number of cache-maintenance calls issued.
func (a *Arch) CacheOpCount() uint64 { return a.cacheOps.Load() }

func (a *Arch) TLBInvalidateGuest(vmid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tlbGen[vmid]++
}

func (a *Arch) TLBInvalidateLocal() {}

// TLBGeneration returns how many broadcast invalidates were issued for vmid.
func (a *Arch) TLBGeneration(vmid uint32) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tlbGen[vmid]
}

func (a *Arch) SendIPI(target int, msg hv.IPIMessage) error {
	if target < 0 || target >= a.cpus {
		return fmt.Errorf("aarch64: ipi target %d: %w", target, hv.ErrInvalidArgument)
	}
	if a.deliver == nil {
		return nil
	}
	return a.deliver(target, msg)
}

func (a *Arch) StartSecondary(pcpu int, entry uint64) error {
	a.mu.Lock()
	if !a.parked[pcpu] {
		a.mu.Unlock()
		return fmt.Errorf("aarch64: pcpu %d not parked: %w", pcpu, hv.ErrStateInvalid)
	}
	delete(a.parked, pcpu)
	release := a.release
	a.mu.Unlock()

	if release != nil {
		release(pcpu, entry)
	}
	return nil
}

func (a *Arch) CounterRead() uint64 {
	return uint64(time.Since(a.started)) * CounterHz / uint64(time.Second)
}

func (a *Arch) TimerArm(pcpu int, compare uint64) {
	if pcpu < 0 || pcpu >= a.cpus {
		return
	}
	a.state[pcpu].timerCompare.Store(compare)
	a.state[pcpu].timerArmed.Store(true)
}

// TimerPending reports whether the pCPU's armed timer has passed its
// compare value, clearing the armed latch when it has.
func (a *Arch) TimerPending(pcpu int) bool {
	if pcpu < 0 || pcpu >= a.cpus {
		return false
	}
	st := &a.state[pcpu]
	if !st.timerArmed.Load() {
		return false
	}
	if a.CounterRead() >= st.timerCompare.Load() {
		st.timerArmed.Store(false)
		return true
	}
	return false
}

var _ hv.Arch = (*Arch)(nil)
