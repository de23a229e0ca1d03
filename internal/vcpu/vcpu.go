// Package vcpu implements the virtual-CPU object and the per-pCPU
// scheduler that multiplexes vCPUs onto physical cores.
package vcpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/shyr/internal/hv"
)

// State is the scheduling state of a vCPU.
type State int

const (
	StateOffline State = iota
	StateReady
	StateRunning
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	}
	return "invalid"
}

// BlockReason records why a vCPU suspended.
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockWFI
	BlockMediatedIO
	BlockInterrupt
	BlockSuspend
)

// Owner is the non-owning back-reference from a vCPU to its VM. Destruction
// proceeds top-down; a vCPU observes termination through the version counter.
type Owner interface {
	VMID() uint32
	Architecture() hv.CpuArchitecture
	// PcpuAllowed reports whether the VM's pCPU bitmap includes p.
	PcpuAllowed(p int) bool
	// Version increments when the VM is torn down or reconfigured.
	Version() uint64
}

// VCpu is one virtual processor of a VM.
type VCpu struct {
	id    int
	owner Owner

	mu       sync.Mutex
	state    State
	reason   BlockReason
	lastPcpu int

	ownerVersion uint64

	// Ctx is the full architectural register file. It is only touched by
	// the pCPU currently running the vCPU, or by anyone while the vCPU is
	// not Running (migration, live-update).
	Ctx hv.Context

	runNanos atomic.Int64
}

// New creates a vCPU with its entry point programmed.
func New(owner Owner, id int, entryIPA uint64) *VCpu {
	v := &VCpu{
		id:           id,
		owner:        owner,
		state:        StateOffline,
		lastPcpu:     -1,
		ownerVersion: owner.Version(),
	}
	v.Ctx.Arch = owner.Architecture()
	v.Ctx.PC = entryIPA
	return v
}

// ID returns the vCPU index within its VM.
func (v *VCpu) ID() int { return v.id }

// Owner returns the owning VM reference.
func (v *VCpu) Owner() Owner { return v.owner }

// State returns the current scheduling state.
func (v *VCpu) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// LastPcpu returns the physical core the vCPU last ran on, or -1.
func (v *VCpu) LastPcpu() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastPcpu
}

// RunTime returns the accumulated guest execution time.
func (v *VCpu) RunTime() time.Duration {
	return time.Duration(v.runNanos.Load())
}

func (v *VCpu) accountRun(d time.Duration) {
	v.runNanos.Add(d.Nanoseconds())
}

// transition moves the vCPU between scheduling states, enforcing the legal
// edges. Running is entered on exactly one pCPU at a time: the caller owns
// the vCPU through its runqueue, and the state check backstops that.
func (v *VCpu) transition(from, to State) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != from {
		return fmt.Errorf("vcpu %d/%d: %s -> %s but state is %s: %w",
			v.owner.VMID(), v.id, from, to, v.state, hv.ErrStateInvalid)
	}
	v.state = to
	return nil
}

func (v *VCpu) setRunningOn(pcpu int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateRunning {
		return fmt.Errorf("vcpu %d/%d already running on pcpu %d: %w",
			v.owner.VMID(), v.id, v.lastPcpu, hv.ErrFatal)
	}
	if v.state != StateReady {
		return fmt.Errorf("vcpu %d/%d: run from %s: %w", v.owner.VMID(), v.id, v.state, hv.ErrStateInvalid)
	}
	if !v.owner.PcpuAllowed(pcpu) {
		return fmt.Errorf("vcpu %d/%d on disallowed pcpu %d: %w", v.owner.VMID(), v.id, pcpu, hv.ErrFatal)
	}
	v.state = StateRunning
	v.lastPcpu = pcpu
	return nil
}
