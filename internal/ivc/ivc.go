// Package ivc implements inter-VM communication: a small per-VM message
// queue reachable by hypercall from any guest, and explicitly configured
// shared-memory windows between consenting VMs.
package ivc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/trap"
	"github.com/tinyrange/shyr/internal/vcpu"
	"github.com/tinyrange/shyr/internal/vmm"
)

// Group is the IVC hypercall group id.
const Group uint8 = 0x6

// IVC group functions.
const (
	FnSendMsg  uint8 = 0
	FnRecvMsg  uint8 = 1
	FnGetTime  uint8 = 6
	FnShareMem uint8 = 7
)

// queueDepth bounds a VM's inbound message queue.
const queueDepth = 64

// Message is one queued inter-VM word with its sender.
type Message struct {
	From uint32
	Word uint64
}

// Service owns the per-VM message queues. Shared-memory grants are mapped
// straight into the peer's stage-2 and are not recorded here.
type Service struct {
	log  *slog.Logger
	mgr  *vmm.Manager
	arch hv.Arch

	mu     sync.Mutex
	queues map[uint32][]Message
}

// New builds the IVC service.
func New(logger *slog.Logger, mgr *vmm.Manager, arch hv.Arch) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		log:    logger,
		mgr:    mgr,
		arch:   arch,
		queues: make(map[uint32][]Message),
	}
}

// RegisterHypercalls installs the IVC group. It is callable from every VM.
func (s *Service) RegisterHypercalls(d *trap.Dispatcher) error {
	return d.RegisterGroup(Group, false, func(v *vcpu.VCpu, call hv.Hypercall) (uint64, error) {
		self := v.Owner().VMID()
		switch call.Function() {
		case FnSendMsg:
			return 0, s.send(self, uint32(call.Args[0]), call.Args[1])
		case FnRecvMsg:
			msg, ok := s.recv(self)
			if !ok {
				return 0, fmt.Errorf("ivc: queue empty: %w", hv.ErrNotFound)
			}
			// The sender id returns in the second argument register.
			senderReg := 1
			if v.Ctx.Arch == hv.ArchitectureRISCV64 {
				senderReg = 11 // a1
			}
			v.Ctx.SetReg(senderReg, uint64(msg.From))
			return msg.Word, nil
		case FnGetTime:
			return s.arch.CounterRead(), nil
		case FnShareMem:
			return 0, s.shareMem(self, uint32(call.Args[0]), call.Args[1], call.Args[2])
		}
		return 0, fmt.Errorf("ivc: fn 0x%x: %w", call.Function(), hv.ErrUnsupported)
	})
}

func (s *Service) send(from, to uint32, word uint64) error {
	if _, err := s.mgr.Get(to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[to]
	if len(q) >= queueDepth {
		return fmt.Errorf("ivc: vm %d queue full: %w", to, hv.ErrDeviceBusy)
	}
	s.queues[to] = append(q, Message{From: from, Word: word})
	return nil
}

func (s *Service) recv(self uint32) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[self]
	if len(q) == 0 {
		return Message{}, false
	}
	msg := q[0]
	s.queues[self] = q[1:]
	return msg, true
}

// shareMem maps [ipa, ipa+length) of the calling VM into the peer's
// stage-2 at the same IPA. Both mappings reference the caller's frames;
// this is the only sanctioned memory sharing between VMs.
func (s *Service) shareMem(self, peer uint32, ipa, length uint64) error {
	if ipa%mm.PageSize != 0 || length == 0 || length%mm.PageSize != 0 {
		return fmt.Errorf("ivc: share 0x%x+0x%x: %w", ipa, length, hv.ErrInvalidArgument)
	}
	src, err := s.mgr.Get(self)
	if err != nil {
		return err
	}
	dst, err := s.mgr.Get(peer)
	if err != nil {
		return err
	}

	for off := uint64(0); off < length; off += mm.PageSize {
		pa, err := src.AddressSpace().Translate(ipa + off)
		if err != nil {
			return fmt.Errorf("ivc: share source 0x%x: %w", ipa+off, err)
		}
		if err := dst.AddressSpace().Map(ipa+off, pa, mm.PageSize,
			mm.AttrNormalCacheable, mm.PermRW); err != nil {
			return err
		}
	}
	s.log.Info("ivc: shared region established",
		"owner", self, "peer", peer, "ipa", fmt.Sprintf("0x%x", ipa), "len", length)
	return nil
}
