package vcpu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

// mailboxDepth bounds a pCPU's IPI mailbox. Senders get DeviceBusy rather
// than blocking: the hypervisor never blocks.
const mailboxDepth = 256

// Policy selects the scheduling class of a pCPU.
type Policy int

const (
	// PolicyRoundRobin rotates Ready vCPUs on a fixed quantum.
	PolicyRoundRobin Policy = iota
	// PolicyPinned dedicates the pCPU to a single resident vCPU; the
	// scheduler never preempts it.
	PolicyPinned
)

// Pcpu is one physical core's scheduler block. The set of Pcpus is a
// process-wide array initialised once during boot and never moved; all
// fields except the runqueue and mailbox are owned by the pCPU's own
// context.
type Pcpu struct {
	ID int

	set *Set

	mu     sync.Mutex
	policy Policy
	runq   []*VCpu
	active *VCpu

	mailbox chan hv.IPIMessage
}

// Set is the static array of per-pCPU blocks.
type Set struct {
	cpus []*Pcpu
	arch hv.Arch
}

// NewSet builds the per-pCPU array for n cores.
func NewSet(n int) *Set {
	s := &Set{cpus: make([]*Pcpu, n)}
	for i := range s.cpus {
		s.cpus[i] = &Pcpu{
			ID:      i,
			set:     s,
			mailbox: make(chan hv.IPIMessage, mailboxDepth),
		}
	}
	return s
}

// AttachArch wires the architecture backend used for IPI sends.
func (s *Set) AttachArch(arch hv.Arch) { s.arch = arch }

// Deliver posts an IPI message into the target pCPU's mailbox. It is the
// delivery half handed to the architecture backend.
func (s *Set) Deliver(target int, msg hv.IPIMessage) error {
	if target < 0 || target >= len(s.cpus) {
		return fmt.Errorf("vcpu: ipi target %d: %w", target, hv.ErrInvalidArgument)
	}
	select {
	case s.cpus[target].mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("vcpu: pcpu %d mailbox full: %w", target, hv.ErrDeviceBusy)
	}
}

// Count returns the number of physical cores.
func (s *Set) Count() int { return len(s.cpus) }

// Pcpu returns the block for core id.
func (s *Set) Pcpu(id int) *Pcpu {
	if id < 0 || id >= len(s.cpus) {
		return nil
	}
	return s.cpus[id]
}

// SetPolicy configures the scheduling class. Switching to pinned requires
// an empty runqueue beyond the single resident.
func (p *Pcpu) SetPolicy(policy Policy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if policy == PolicyPinned && len(p.runq) > 1 {
		return fmt.Errorf("vcpu: pcpu %d has %d queued vcpus: %w", p.ID, len(p.runq), hv.ErrStateInvalid)
	}
	p.policy = policy
	return nil
}

// Policy returns the scheduling class.
func (p *Pcpu) Policy() Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Active returns the vCPU currently in guest mode on this core, if any.
func (p *Pcpu) Active() *VCpu {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueueLen returns the number of Ready vCPUs waiting on this core.
func (p *Pcpu) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runq)
}

// Enqueue appends a Ready vCPU to the runqueue. The vCPU's owner must allow
// this core in its pCPU bitmap.
func (p *Pcpu) Enqueue(v *VCpu) error {
	if !v.owner.PcpuAllowed(p.ID) {
		return fmt.Errorf("vcpu: vm %d vcpu %d not allowed on pcpu %d: %w",
			v.owner.VMID(), v.id, p.ID, hv.ErrPermissionDenied)
	}
	v.mu.Lock()
	switch v.state {
	case StateOffline, StateBlocked:
		v.state = StateReady
		v.reason = BlockNone
	case StateReady:
	case StateRunning:
		v.mu.Unlock()
		return fmt.Errorf("vcpu: enqueue running vcpu %d/%d: %w", v.owner.VMID(), v.id, hv.ErrStateInvalid)
	}
	v.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.runq {
		if q == v {
			return nil
		}
	}
	p.runq = append(p.runq, v)
	return nil
}

// Dequeue removes a vCPU from the runqueue (migration, teardown).
func (p *Pcpu) Dequeue(v *VCpu) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.runq {
		if q == v {
			p.runq = append(p.runq[:i], p.runq[i+1:]...)
			return
		}
	}
}

// PickNext pops the runqueue head and marks it Running on this core.
func (p *Pcpu) PickNext() (*VCpu, error) {
	p.mu.Lock()
	if p.active != nil {
		v := p.active
		p.mu.Unlock()
		return v, nil
	}
	if len(p.runq) == 0 {
		p.mu.Unlock()
		return nil, nil
	}
	v := p.runq[0]
	p.runq = p.runq[1:]
	p.mu.Unlock()

	if err := v.setRunningOn(p.ID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.active = v
	p.mu.Unlock()
	return v, nil
}

// putBack rotates the active vCPU to the runqueue tail (quantum expiry,
// reschedule IPI).
func (p *Pcpu) putBack() {
	p.mu.Lock()
	v := p.active
	if v == nil || p.policy == PolicyPinned {
		p.mu.Unlock()
		return
	}
	p.active = nil
	p.runq = append(p.runq, v)
	p.mu.Unlock()

	v.mu.Lock()
	if v.state == StateRunning {
		v.state = StateReady
	}
	v.mu.Unlock()
}

// deactivate clears the active slot after a block or teardown.
func (p *Pcpu) deactivate(v *VCpu) {
	p.mu.Lock()
	if p.active == v {
		p.active = nil
	}
	p.mu.Unlock()
}
