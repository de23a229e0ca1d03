// Package rv64 implements the architecture abstraction for RISC-V hosts
// with the hypervisor extension, running the engine in HS-mode.
package rv64

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/shyr/internal/hv"
)

// CounterHz is the time CSR frequency advertised in the device tree.
const CounterHz = 10_000_000

// SBI extension IDs used for IPIs and remote fences. With the legacy option
// the v0.1 call numbers are used instead.
const (
	SBIExtIPI     = 0x735049 // "sPI"
	SBIExtRfence  = 0x52464e43
	SBIExtTimer   = 0x54494d45
	SBIExtHSM     = 0x48534d
	SBILegacyIPI  = 0x04
	SBILegacyFence = 0x06
	SBILegacyTimer = 0x00
)

type pcpuState struct {
	control [8]uint64

	timerCompare atomic.Uint64
	timerArmed   atomic.Bool
}

// Option configures the backend.
type Option func(*Arch)

// WithLegacySBI selects the SBI v0.1 call numbers for IPI, fence and timer
// requests on platforms whose firmware predates the base extension.
func WithLegacySBI() Option {
	return func(a *Arch) { a.legacySBI = true }
}

// Arch is the RV64 implementation of hv.Arch.
type Arch struct {
	cpus      int
	state     []pcpuState
	started   time.Time
	legacySBI bool

	deliver func(target int, msg hv.IPIMessage) error

	mu      sync.Mutex
	parked  map[int]bool
	release func(pcpu int, entry uint64)
	tlbGen  map[uint32]uint64

	sbiCalls atomic.Uint64
}

// New builds the backend for the given pCPU count.
func New(cpus int, deliver func(target int, msg hv.IPIMessage) error, opts ...Option) *Arch {
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
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arch) Architecture() hv.CpuArchitecture { return hv.ArchitectureRISCV64 }

// LegacySBI reports whether the backend issues v0.1 SBI calls.
func (a *Arch) LegacySBI() bool { return a.legacySBI }

// OnSecondaryRelease installs the hook invoked when StartSecondary releases
// a parked hart (HSM hart_start, or legacy IPI wakeup).
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
	// RISC-V uses fence.i / CBO instructions; nothing to model beyond the
	// ordering the scheduler already provides.
}

func (a *Arch) TLBInvalidateGuest(vmid uint32) {
	a.sbiCalls.Add(1) // hfence.gvma via SBI remote fence on other harts
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tlbGen[vmid]++
}

func (a *Arch) TLBInvalidateLocal() {}

// TLBGeneration returns how many guest-TLB fences were issued for vmid.
func (a *Arch) TLBGeneration(vmid uint32) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tlbGen[vmid]
}

// SBICallCount returns the number of SBI requests the backend issued.
func (a *Arch) SBICallCount() uint64 { return a.sbiCalls.Load() }

func (a *Arch) SendIPI(target int, msg hv.IPIMessage) error {
	if target < 0 || target >= a.cpus {
		return fmt.Errorf("rv64: ipi target %d: %w", target, hv.ErrInvalidArgument)
	}
	a.sbiCalls.Add(1)
	if a.deliver == nil {
		return nil
	}
	return a.deliver(target, msg)
}

func (a *Arch) StartSecondary(pcpu int, entry uint64) error {
	a.mu.Lock()
	if !a.parked[pcpu] {
		a.mu.Unlock()
		return fmt.Errorf("rv64: hart %d not parked: %w", pcpu, hv.ErrStateInvalid)
	}
	delete(a.parked, pcpu)
	release := a.release
	a.mu.Unlock()

	a.sbiCalls.Add(1)
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

// TimerPending reports whether the pCPU's armed timer has fired.
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
