package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

// virtio-blk request types.
const (
	blkReqIn  = 0
	blkReqOut = 1
)

// virtio-blk status bytes.
const (
	blkStatusOK    = 0
	blkStatusIOErr = 1
)

const blkReqHeaderSize = 16

const blkSectorSize = 512

// pendingBlkReq tracks one in-flight mediated request group: a descriptor
// chain may carry several data buffers, each posted as its own record with
// the same group.
type pendingBlkReq struct {
	head       uint16
	statusAddr uint64
	dataLen    uint32
	remaining  int
	failed     bool
}

// BlkMediated is the virtio-blk device whose backing file lives in the
// management VM. The hypervisor owns the virtqueue: it validates chains,
// translates guest addresses and posts mediated-I/O records; the used ring
// fills when the MVM completes them.
type BlkMediated struct {
	mu sync.Mutex

	vmid  uint32
	devid uint32

	transport *MMIODevice
	ring      *MediatedRing

	capacitySectors uint64

	// validate rejects descriptors pointing outside the guest's memory;
	// translate converts a guest-physical to a host-physical address for
	// the mediated record.
	validate  func(addr uint64, length uint32) error
	translate func(ipa uint64) (uint64, error)

	pending map[uint64]*pendingBlkReq
	nextTag uint64

	// OnComplete fires after a used-ring publication, waking any vCPU
	// blocked on the request.
	OnComplete func()
}

// BlkConfig wires a mediated block device.
type BlkConfig struct {
	VMID            uint32
	DevID           uint32
	Ring            *MediatedRing
	CapacitySectors uint64
	Validate        func(addr uint64, length uint32) error
	Translate       func(ipa uint64) (uint64, error)
}

// NewBlkMediated builds the device half; Attach wires the transport.
func NewBlkMediated(cfg BlkConfig) *BlkMediated {
	return &BlkMediated{
		vmid:            cfg.VMID,
		devid:           cfg.DevID,
		ring:            cfg.Ring,
		capacitySectors: cfg.CapacitySectors,
		validate:        cfg.Validate,
		translate:       cfg.Translate,
		pending:         make(map[uint64]*pendingBlkReq),
	}
}

// Attach binds the transport created around this device.
func (b *BlkMediated) Attach(t *MMIODevice) { b.transport = t }

func (b *BlkMediated) DeviceID() uint16       { return DeviceIDBlock }
func (b *BlkMediated) DeviceFeatures() uint64 { return 0 }
func (b *BlkMediated) MaxQueues() int         { return 1 }

func (b *BlkMediated) ReadConfig(offset uint64, width int) uint64 {
	// Config space starts with the 64-bit capacity in sectors.
	if offset+uint64(width) <= 8 {
		return b.capacitySectors >> (8 * offset) & (1<<(8*uint64(width)) - 1)
	}
	return 0
}

func (b *BlkMediated) WriteConfig(offset uint64, width int, val uint64) {}

// Notify walks newly available chains and posts mediated requests.
func (b *BlkMediated) Notify(queue int) error {
	if queue != 0 {
		return nil
	}
	q := b.transport.Queue(0)
	if q == nil {
		return fmt.Errorf("virtio: blk queue: %w", hv.ErrStateInvalid)
	}

	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := b.submit(q, head); err != nil {
			return err
		}
	}
}

func (b *BlkMediated) submit(q *Queue, head uint16) error {
	chain, err := q.WalkChain(head, b.validate)
	if err != nil {
		return err
	}
	if len(chain) < 2 {
		return fmt.Errorf("virtio: blk chain of %d buffers: %w", len(chain), hv.ErrInvalidArgument)
	}

	hdrBuf := chain[0]
	statusBuf := chain[len(chain)-1]
	data := chain[1 : len(chain)-1]
	if hdrBuf.Length < blkReqHeaderSize || !statusBuf.IsWrite || statusBuf.Length < 1 {
		return fmt.Errorf("virtio: blk chain layout: %w", hv.ErrInvalidArgument)
	}

	var hdr [blkReqHeaderSize]byte
	if err := q.readGuest(hdrBuf.Addr, hdr[:]); err != nil {
		return err
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	var op uint32
	switch reqType {
	case blkReqIn:
		op = MediatedOpRead
	case blkReqOut:
		op = MediatedOpWrite
	default:
		// Unknown request type: complete immediately with an error
		// status, the driver handles it.
		return b.completeNow(q, head, statusBuf.Addr, 0, blkStatusIOErr)
	}

	if len(data) == 0 {
		return b.completeNow(q, head, statusBuf.Addr, 0, blkStatusOK)
	}

	b.mu.Lock()
	b.nextTag++
	tag := b.nextTag
	req := &pendingBlkReq{
		head:       head,
		statusAddr: statusBuf.Addr,
		remaining:  len(data),
	}
	b.pending[tag] = req
	b.mu.Unlock()

	offset := sector * blkSectorSize
	for _, buf := range data {
		pa, err := b.translate(buf.Addr)
		if err != nil {
			b.mu.Lock()
			delete(b.pending, tag)
			b.mu.Unlock()
			return b.completeNow(q, head, statusBuf.Addr, 0, blkStatusIOErr)
		}
		rec := MediatedRecord{
			Op:     op,
			VMID:   b.vmid,
			DevID:  b.devid,
			GPA:    pa,
			Len:    uint64(buf.Length),
			Offset: offset,
			Tag:    tag,
		}
		if err := b.ring.PushRequest(&rec); err != nil {
			b.mu.Lock()
			delete(b.pending, tag)
			b.mu.Unlock()
			return fmt.Errorf("virtio: blk request: %w", err)
		}
		b.mu.Lock()
		req.dataLen += buf.Length
		b.mu.Unlock()
		offset += uint64(buf.Length)
	}
	return nil
}

func (b *BlkMediated) completeNow(q *Queue, head uint16, statusAddr uint64, dataLen uint32, status byte) error {
	if err := q.writeGuest(statusAddr, []byte{status}); err != nil {
		return err
	}
	if err := q.PushUsed(head, dataLen+1); err != nil {
		return err
	}
	b.transport.RaiseInterrupt()
	return nil
}

// DrainCompletions consumes MVM completion records and finishes the guest
// requests they belong to.
func (b *BlkMediated) DrainCompletions() error {
	q := b.transport.Queue(0)
	var rec MediatedRecord
	for b.ring.PopCompletion(&rec) {
		b.mu.Lock()
		req, ok := b.pending[rec.Tag]
		if !ok {
			b.mu.Unlock()
			continue
		}
		if rec.Status != MediatedStatusOK {
			req.failed = true
		}
		req.remaining--
		done := req.remaining == 0
		if done {
			delete(b.pending, rec.Tag)
		}
		b.mu.Unlock()

		if !done {
			continue
		}
		status := byte(blkStatusOK)
		if req.failed {
			status = blkStatusIOErr
		}
		if err := b.completeNow(q, req.head, req.statusAddr, req.dataLen, status); err != nil {
			return err
		}
		if b.OnComplete != nil {
			b.OnComplete()
		}
	}
	return nil
}

// InFlight returns the number of pending request groups; a vCPU blocks on
// mediated I/O while this is non-zero.
func (b *BlkMediated) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

var _ Device = (*BlkMediated)(nil)
