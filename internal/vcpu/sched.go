package vcpu

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/timeslice"
)

// DefaultQuantum is the round-robin timeslice, measured in vtimer ticks in
// the vector and wall time here.
const DefaultQuantum = 10 * time.Millisecond

var (
	tsGuestRun = timeslice.RegisterKind("guest_run", timeslice.SliceFlagGuestTime)
	tsTrap     = timeslice.RegisterKind("trap_handle", 0)
)

// GuestExec executes guest instructions on a vCPU until the next trap. The
// architecture world switch sits behind this interface; tests provide
// scripted guests.
type GuestExec interface {
	Run(v *VCpu) (hv.Exit, error)
}

// TrapSink handles a decoded guest exit; it is the trap dispatcher's entry
// point. Returning an error halts the pCPU loop.
type TrapSink interface {
	Handle(p *Pcpu, v *VCpu, exit hv.Exit) error
}

// BarrierFunc is invoked on the pCPU when an update-barrier IPI arrives
// (live-update quiesce).
type BarrierFunc func(p *Pcpu)

// RunLoopConfig wires a pCPU's run loop to the rest of the engine.
type RunLoopConfig struct {
	Exec    GuestExec
	Sink    TrapSink
	Barrier BarrierFunc
	Log     *slog.Logger
	Quantum time.Duration
}

// Wake moves a Blocked vCPU to Ready and posts a reschedule IPI to the core
// it last ran on (or the given fallback). Waking a vCPU that is already
// Ready or Running is a no-op.
func (s *Set) Wake(v *VCpu, fallback int) error {
	v.mu.Lock()
	switch v.state {
	case StateReady, StateRunning:
		v.mu.Unlock()
		return nil
	case StateOffline:
		v.mu.Unlock()
		return fmt.Errorf("vcpu: wake offline vcpu %d/%d: %w", v.owner.VMID(), v.id, hv.ErrStateInvalid)
	}
	target := v.lastPcpu
	v.mu.Unlock()

	if target < 0 || !v.owner.PcpuAllowed(target) {
		target = fallback
	}
	p := s.Pcpu(target)
	if p == nil {
		return fmt.Errorf("vcpu: wake target pcpu %d: %w", target, hv.ErrInvalidArgument)
	}
	if err := p.Enqueue(v); err != nil {
		return err
	}
	if s.arch != nil {
		// Delivery failure only delays the wakeup until the target's next
		// natural scheduling point.
		_ = s.arch.SendIPI(target, hv.IPIMessage{
			Vector:  hv.IPIWakeup,
			Payload: uint64(v.owner.VMID())<<32 | uint64(v.id),
		})
	}
	return nil
}

// Block suspends the Running vCPU on this core with the given reason and
// clears the active slot. The caller resumes it later via Set.Wake.
func (p *Pcpu) Block(v *VCpu, reason BlockReason) error {
	if err := v.transition(StateRunning, StateBlocked); err != nil {
		return err
	}
	v.mu.Lock()
	v.reason = reason
	v.mu.Unlock()
	p.deactivate(v)
	return nil
}

// Yield rotates the active vCPU behind any other Ready vCPU on this core.
func (p *Pcpu) Yield() { p.putBack() }

// handleIPI services one mailbox message. It reports whether the loop
// should stop.
func (p *Pcpu) handleIPI(msg hv.IPIMessage, cfg *RunLoopConfig) (stop bool) {
	switch msg.Vector {
	case hv.IPIReschedule:
		p.putBack()
	case hv.IPIWakeup, hv.IPIInterruptInject, hv.IPIVMNotify:
		// The work was queued by the sender; the IPI's job was to kick
		// the core out of guest mode, which has happened.
	case hv.IPIUpdateBarrier:
		if cfg.Barrier != nil {
			cfg.Barrier(p)
		}
	case hv.IPIStop:
		return true
	}
	return false
}

// drainMailbox services pending IPIs. It reports whether the loop should
// stop.
func (p *Pcpu) drainMailbox(cfg *RunLoopConfig) (stop bool) {
	for {
		select {
		case msg := <-p.mailbox:
			if p.handleIPI(msg, cfg) {
				return true
			}
		default:
			return false
		}
	}
}

// RunLoop is the scheduling worker for one physical core. It never returns
// under normal operation; ctx cancellation or an IPIStop message ends it.
func (p *Pcpu) RunLoop(ctx context.Context, cfg RunLoopConfig) error {
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultQuantum
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	for {
		if p.drainMailbox(&cfg) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		v, err := p.PickNext()
		if err != nil {
			return fmt.Errorf("vcpu: pcpu %d: %w", p.ID, err)
		}
		if v == nil {
			// Idle: wait for an IPI (or cancellation) like WFI in the
			// idle loop.
			select {
			case msg := <-p.mailbox:
				if p.handleIPI(msg, &cfg) {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		quantumStart := time.Now()
		for {
			runStart := time.Now()
			exit, err := cfg.Exec.Run(v)
			guestTime := time.Since(runStart)
			v.accountRun(guestTime)
			timeslice.Record(tsGuestRun, guestTime)

			if err != nil {
				cfg.Log.Error("vcpu: guest execution failed",
					"vm", v.owner.VMID(), "vcpu", v.id, "err", err)
				_ = p.Block(v, BlockSuspend)
				break
			}

			trapStart := time.Now()
			sinkErr := cfg.Sink.Handle(p, v, exit)
			timeslice.Record(tsTrap, time.Since(trapStart))
			if sinkErr != nil {
				return fmt.Errorf("vcpu: pcpu %d trap: %w", p.ID, sinkErr)
			}

			if p.drainMailbox(&cfg) {
				return nil
			}

			// The sink may have blocked or migrated the vCPU.
			if p.Active() != v {
				break
			}
			if p.Policy() != PolicyPinned && time.Since(quantumStart) >= cfg.Quantum {
				p.putBack()
				break
			}
		}
	}
}
