package hv

// CpuArchitecture identifies a guest/host instruction set.
type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// ControlReg names a per-pCPU hypervisor control register. The AArch64
// backend maps these onto EL2 registers, the RV64 backend onto HS-mode CSRs
// (or SBI legacy calls where the register has no CSR equivalent).
type ControlReg int

const (
	ControlRegInvalid ControlReg = iota

	// System control (SCTLR_EL2 / hstatus).
	ControlRegSystem
	// Exception vector base (VBAR_EL2 / stvec).
	ControlRegVectorBase
	// Stage-2 translation base, VMID-tagged (VTTBR_EL2 / hgatp).
	ControlRegStage2Base
	// Stage-2 translation control (VTCR_EL2 / part of hgatp mode bits).
	ControlRegStage2Control
	// Hypervisor configuration (HCR_EL2 / hedeleg+hideleg composite).
	ControlRegHypervisorConfig
	// Virtual timer control (CNTHCTL_EL2 / henvcfg timer bits).
	ControlRegVTimerControl
	// Virtual timer compare value (CNTV_CVAL_EL0 shadow / vstimecmp).
	ControlRegVTimerCompare
)

// CacheOp selects a cache-maintenance operation by virtual address.
type CacheOp int

const (
	CacheInvalidate CacheOp = iota
	CacheClean
	CacheCleanInvalidate
)

// IPIVector identifies the purpose of an inter-processor interrupt.
type IPIVector int

const (
	IPIReschedule IPIVector = iota
	IPIWakeup
	IPIInterruptInject
	IPIVMNotify
	IPIUpdateBarrier
	IPIStop
)

// IPIMessage is the vector plus one payload word carried by an IPI.
type IPIMessage struct {
	Vector  IPIVector
	Payload uint64
}

// Arch is the architecture abstraction every other component is written
// against. One implementation exists per supported architecture; all methods
// are safe to call from any pCPU context and are lock-free on the hot path.
type Arch interface {
	Architecture() CpuArchitecture

	// ReadControl and WriteControl access the control registers of the
	// given pCPU's hypervisor context.
	ReadControl(pcpu int, reg ControlReg) uint64
	WriteControl(pcpu int, reg ControlReg, val uint64)

	// CacheOpRange performs instruction- and data-cache maintenance over
	// [va, va+length).
	CacheOpRange(op CacheOp, va, length uint64)

	// TLBInvalidateGuest broadcasts a stage-2 TLB invalidate for one VMID.
	TLBInvalidateGuest(vmid uint32)
	// TLBInvalidateLocal invalidates the calling pCPU's TLB.
	TLBInvalidateLocal()

	// SendIPI posts msg to the target pCPU's mailbox.
	SendIPI(target int, msg IPIMessage) error

	// StartSecondary releases a parked secondary pCPU into entry.
	StartSecondary(pcpu int, entry uint64) error

	// CounterRead returns the current virtual counter value.
	CounterRead() uint64
	// TimerArm programs the pCPU's timer to fire at the given counter value.
	TimerArm(pcpu int, compare uint64)
}
