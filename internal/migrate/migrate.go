package migrate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/mm"
	"github.com/tinyrange/shyr/internal/vmm"
)

// Pre-copy bounds. The round loop stops once a round's dirty set is at or
// below DirtyThresholdPages, or after MaxPreCopyRounds rounds.
const (
	DirtyThresholdPages = 64
	MaxPreCopyRounds    = 8
)

// Transport timing.
const (
	RoundTimeout    = 30 * time.Second
	LivenessTimeout = 5 * time.Second
)

// pagesPerBatch bounds one MsgPages frame.
const pagesPerBatch = 1024

// beginMsg opens the stream: snapshot header plus the VM's configuration.
type beginMsg struct {
	Header hv.SnapshotHeader
	Config []byte
}

// VcpuState is one vCPU's stop-and-copy payload.
type VcpuState struct {
	ID  int
	Ctx hv.Context
}

// QueueState carries one virtqueue's progress cursors.
type QueueState struct {
	Device    int
	Queue     int
	LastAvail uint16
	UsedIdx   uint16
}

// stateMsg is the stop-and-copy state blob.
type stateMsg struct {
	VCpus  []VcpuState
	Queues []QueueState
}

// Engine drives migrations against the lifecycle manager.
type Engine struct {
	log *slog.Logger
	mgr *vmm.Manager

	// Progress, when set, observes (pagesSent, round) after every batch;
	// the CLI renders it.
	Progress func(pages int, round int)
}

// NewEngine builds a migration engine.
func NewEngine(logger *slog.Logger, mgr *vmm.Manager) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: logger, mgr: mgr}
}

func setDeadline(conn net.Conn, d time.Duration) {
	if conn != nil {
		_ = conn.SetDeadline(time.Now().Add(d))
	}
}

// MigrateTo runs the source half of the pre-copy protocol over conn. Any
// transport error or timeout aborts and rolls the VM back to Running.
func (e *Engine) MigrateTo(vmid uint32, conn net.Conn) error {
	vm, err := e.mgr.BeginMigration(vmid)
	if err != nil {
		return err
	}

	err = e.sourceRun(vm, conn)
	if err != nil {
		e.log.Warn("migrate: aborted, rolling back", "vm", vmid, "err", err)
		if rbErr := e.mgr.AbortMigration(vm); rbErr != nil {
			return fmt.Errorf("migrate: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	return e.mgr.CompleteMigration(vm)
}

func (e *Engine) sourceRun(vm *vmm.Vm, conn net.Conn) error {
	sender := NewSender(conn)
	receiver := NewReceiver(conn)

	cfgBlob, err := json.Marshal(vm.Config())
	if err != nil {
		return fmt.Errorf("migrate: marshal config: %w", err)
	}
	setDeadline(conn, RoundTimeout)
	if err := sender.SendGob(MsgBegin, beginMsg{
		Header: hv.SnapshotHeader{
			Magic:   hv.SnapshotMagic,
			Version: hv.SnapshotVersion,
			Arch:    hv.ArchToSnapshotArch(vm.Architecture()),
			VMCount: 1,
		},
		Config: cfgBlob,
	}); err != nil {
		return err
	}

	// Round 0: every mapped RAM page.
	var round0 []uint64
	err = vm.AddressSpace().Walk(func(ipa, pa, size uint64, attr mm.MemAttr, perm mm.Perm) error {
		if attr.Device() {
			return nil
		}
		for off := uint64(0); off < size; off += mm.PageSize {
			round0 = append(round0, ipa+off)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.sendPages(vm, sender, conn, round0, 0); err != nil {
		return err
	}

	// Iterative rounds: each snapshot-and-clear orders this round's pages
	// strictly before any write the next round will observe.
	round := 1
	for ; round <= MaxPreCopyRounds; round++ {
		snap := vm.AddressSpace().DirtySnapshotAndClear()
		if snap.Count() <= DirtyThresholdPages {
			// Below threshold: carry the remainder into stop-and-copy.
			if err := e.stopAndCopy(vm, sender, conn, snap.Pages()); err != nil {
				return err
			}
			return e.awaitActivation(receiver, conn)
		}
		if err := sender.Send(MsgHeartbeat, nil); err != nil {
			return err
		}
		if err := e.sendPages(vm, sender, conn, snap.Pages(), round); err != nil {
			return err
		}
	}

	snap := vm.AddressSpace().DirtySnapshotAndClear()
	if err := e.stopAndCopy(vm, sender, conn, snap.Pages()); err != nil {
		return err
	}
	return e.awaitActivation(receiver, conn)
}

func (e *Engine) sendPages(vm *vmm.Vm, sender *Sender, conn net.Conn, pages []uint64, round int) error {
	mem := vm.Memory()
	sent := 0
	for len(pages) > 0 {
		batch := pages
		if len(batch) > pagesPerBatch {
			batch = batch[:pagesPerBatch]
		}
		pages = pages[len(batch):]

		payload := make([]byte, 0, len(batch)*(8+mm.PageSize))
		var page [mm.PageSize]byte
		for _, ipa := range batch {
			if _, err := mem.ReadAt(page[:], int64(ipa)); err != nil {
				return err
			}
			var addr [8]byte
			binary.BigEndian.PutUint64(addr[:], ipa)
			payload = append(payload, addr[:]...)
			payload = append(payload, page[:]...)
		}

		setDeadline(conn, RoundTimeout)
		if err := sender.Send(MsgPages, payload); err != nil {
			return err
		}
		sent += len(batch)
		if e.Progress != nil {
			e.Progress(sent, round)
		}
	}
	e.log.Info("migrate: round complete", "vm", vm.ID(), "round", round, "pages", sent)
	return nil
}

// stopAndCopy pauses the vCPUs, sends the remaining dirty pages and the
// full machine state.
func (e *Engine) stopAndCopy(vm *vmm.Vm, sender *Sender, conn net.Conn, remaining []uint64) error {
	e.mgr.PauseForStopAndCopy(vm)

	final := vm.AddressSpace().DirtySnapshotAndClear()
	pageSet := make(map[uint64]bool, len(remaining)+final.Count())
	for _, ipa := range remaining {
		pageSet[ipa] = true
	}
	for _, ipa := range final.Pages() {
		pageSet[ipa] = true
	}
	pages := make([]uint64, 0, len(pageSet))
	for ipa := range pageSet {
		pages = append(pages, ipa)
	}
	if err := e.sendPages(vm, sender, conn, pages, MaxPreCopyRounds+1); err != nil {
		return err
	}

	state := stateMsg{}
	for _, v := range vm.VCpus() {
		if gic := vm.GIC(); gic != nil {
			gic.SaveContext(v.ID(), &v.Ctx)
		}
		state.VCpus = append(state.VCpus, VcpuState{ID: v.ID(), Ctx: v.Ctx})
	}
	for di, t := range vm.Transports() {
		for qi := 0; ; qi++ {
			q := t.Queue(qi)
			if q == nil {
				break
			}
			state.Queues = append(state.Queues, QueueState{
				Device:    di,
				Queue:     qi,
				LastAvail: q.LastAvail(),
				UsedIdx:   q.UsedIdx(),
			})
		}
	}

	setDeadline(conn, RoundTimeout)
	if err := sender.SendGob(MsgState, state); err != nil {
		return err
	}
	return sender.Send(MsgDone, nil)
}

func (e *Engine) awaitActivation(receiver *Receiver, conn net.Conn) error {
	setDeadline(conn, LivenessTimeout)
	for {
		t, _, err := receiver.Recv()
		if err != nil {
			return fmt.Errorf("migrate: await activation: %w", err)
		}
		switch t {
		case MsgActivated:
			return nil
		case MsgHeartbeat:
			setDeadline(conn, LivenessTimeout)
		case MsgAbort:
			return fmt.Errorf("migrate: destination aborted: %w", hv.ErrTransport)
		default:
			return fmt.Errorf("migrate: unexpected message %d: %w", t, hv.ErrTransport)
		}
	}
}

// Incoming runs the destination half: reconstruct the VM, apply memory and
// state, activate, acknowledge. Partial state is discarded on any error.
func (e *Engine) Incoming(conn net.Conn) (uint32, error) {
	receiver := NewReceiver(conn)
	sender := NewSender(conn)

	setDeadline(conn, RoundTimeout)
	t, payload, err := receiver.Recv()
	if err != nil {
		return 0, err
	}
	if t != MsgBegin {
		return 0, fmt.Errorf("migrate: expected begin, got %d: %w", t, hv.ErrTransport)
	}
	var begin beginMsg
	if err := DecodeGob(payload, &begin); err != nil {
		return 0, err
	}
	if begin.Header.Magic != hv.SnapshotMagic || begin.Header.Version != hv.SnapshotVersion {
		return 0, fmt.Errorf("migrate: snapshot header: %w", hv.ErrTransport)
	}

	cfg, err := vmm.ParseVMConfig(begin.Config)
	if err != nil {
		return 0, err
	}
	vm, err := e.mgr.Create(cfg)
	if err != nil {
		return 0, err
	}

	discard := func(cause error) (uint32, error) {
		_ = e.mgr.DiscardIncoming(vm)
		return 0, cause
	}

	mem := vm.Memory()
	for {
		setDeadline(conn, RoundTimeout)
		t, payload, err := receiver.Recv()
		if err != nil {
			return discard(err)
		}
		switch t {
		case MsgPages:
			for off := 0; off+8+mm.PageSize <= len(payload); off += 8 + mm.PageSize {
				ipa := binary.BigEndian.Uint64(payload[off : off+8])
				if _, err := mem.WriteAt(payload[off+8:off+8+mm.PageSize], int64(ipa)); err != nil {
					return discard(err)
				}
			}
		case MsgHeartbeat:
		case MsgState:
			var state stateMsg
			if err := DecodeGob(payload, &state); err != nil {
				return discard(err)
			}
			for _, vs := range state.VCpus {
				if vs.ID < 0 || vs.ID >= len(vm.VCpus()) {
					return discard(fmt.Errorf("migrate: vcpu %d: %w", vs.ID, hv.ErrTransport))
				}
				v := vm.VCpus()[vs.ID]
				v.Ctx = vs.Ctx
				if gic := vm.GIC(); gic != nil {
					gic.RestoreContext(vs.ID, &v.Ctx)
				}
			}
			transports := vm.Transports()
			for _, qs := range state.Queues {
				if qs.Device < 0 || qs.Device >= len(transports) {
					continue
				}
				if q := transports[qs.Device].Queue(qs.Queue); q != nil {
					q.RestoreCursors(qs.LastAvail, qs.UsedIdx)
				}
			}
		case MsgDone:
			if err := e.mgr.ActivateMigrated(vm); err != nil {
				return discard(err)
			}
			setDeadline(conn, RoundTimeout)
			if err := sender.Send(MsgActivated, nil); err != nil {
				return discard(err)
			}
			e.log.Info("migrate: vm activated", "vm", vm.ID())
			return vm.ID(), nil
		case MsgAbort:
			return discard(fmt.Errorf("migrate: source aborted: %w", hv.ErrTransport))
		default:
			return discard(fmt.Errorf("migrate: unexpected message %d: %w", t, hv.ErrTransport))
		}
	}
}
