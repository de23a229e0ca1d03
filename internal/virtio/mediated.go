package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

// Mediated-I/O operations.
const (
	MediatedOpRead  = 1
	MediatedOpWrite = 2
)

// Mediated completion status.
const (
	MediatedStatusOK    = 0
	MediatedStatusError = 1
)

// MediatedRecord is one fixed-size entry of the request or completion ring
// shared with the management VM. The completion echoes Tag and carries the
// status byte.
type MediatedRecord struct {
	Op     uint32
	VMID   uint32
	DevID  uint32
	Status uint8
	GPA    uint64
	Len    uint64
	Offset uint64
	Tag    uint64
}

// recordSize is the wire footprint of one record.
const recordSize = 64

func (r *MediatedRecord) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], r.Op)
	binary.LittleEndian.PutUint32(buf[4:8], r.VMID)
	binary.LittleEndian.PutUint32(buf[8:12], r.DevID)
	buf[12] = r.Status
	binary.LittleEndian.PutUint64(buf[16:24], r.GPA)
	binary.LittleEndian.PutUint64(buf[24:32], r.Len)
	binary.LittleEndian.PutUint64(buf[32:40], r.Offset)
	binary.LittleEndian.PutUint64(buf[40:48], r.Tag)
}

func (r *MediatedRecord) decode(buf []byte) {
	r.Op = binary.LittleEndian.Uint32(buf[0:4])
	r.VMID = binary.LittleEndian.Uint32(buf[4:8])
	r.DevID = binary.LittleEndian.Uint32(buf[8:12])
	r.Status = buf[12]
	r.GPA = binary.LittleEndian.Uint64(buf[16:24])
	r.Len = binary.LittleEndian.Uint64(buf[24:32])
	r.Offset = binary.LittleEndian.Uint64(buf[32:40])
	r.Tag = binary.LittleEndian.Uint64(buf[40:48])
}

// ring header layout inside the shared region.
const (
	ringMagic     = 0x4d494f52 // "MIOR"
	ringHdrSize   = 64
	offMagic      = 0
	offEntries    = 4
	offReqHead    = 8
	offReqTail    = 12
	offCompHead   = 16
	offCompTail   = 20
)

// MediatedRing is the pair of single-producer single-consumer rings
// (request, completion) shared between the hypervisor and the MVM backend.
// The hypervisor produces requests and consumes completions; the MVM does
// the reverse.
type MediatedRing struct {
	mu      sync.Mutex
	region  []byte
	entries uint32
}

// MediatedRingSize returns the shared-region footprint for the given ring
// depth.
func MediatedRingSize(entries uint32) uint64 {
	return ringHdrSize + 2*uint64(entries)*recordSize
}

// NewMediatedRing formats a shared region as an empty ring pair.
func NewMediatedRing(region []byte, entries uint32) (*MediatedRing, error) {
	if entries == 0 || entries&(entries-1) != 0 {
		return nil, fmt.Errorf("virtio: mediated ring entries %d: %w", entries, hv.ErrInvalidArgument)
	}
	if uint64(len(region)) < MediatedRingSize(entries) {
		return nil, fmt.Errorf("virtio: mediated region %d bytes too small: %w", len(region), hv.ErrInvalidArgument)
	}
	binary.LittleEndian.PutUint32(region[offMagic:], ringMagic)
	binary.LittleEndian.PutUint32(region[offEntries:], entries)
	for _, off := range []int{offReqHead, offReqTail, offCompHead, offCompTail} {
		binary.LittleEndian.PutUint32(region[off:], 0)
	}
	return &MediatedRing{region: region, entries: entries}, nil
}

// OpenMediatedRing attaches to an already-formatted region (the MVM side).
func OpenMediatedRing(region []byte) (*MediatedRing, error) {
	if len(region) < ringHdrSize || binary.LittleEndian.Uint32(region[offMagic:]) != ringMagic {
		return nil, fmt.Errorf("virtio: mediated region: %w", hv.ErrInvalidArgument)
	}
	entries := binary.LittleEndian.Uint32(region[offEntries:])
	if uint64(len(region)) < MediatedRingSize(entries) {
		return nil, fmt.Errorf("virtio: mediated region truncated: %w", hv.ErrInvalidArgument)
	}
	return &MediatedRing{region: region, entries: entries}, nil
}

func (m *MediatedRing) slot(ring int, idx uint32) []byte {
	base := ringHdrSize + ring*int(m.entries)*recordSize
	off := base + int(idx%m.entries)*recordSize
	return m.region[off : off+recordSize]
}

func (m *MediatedRing) push(ring int, headOff, tailOff int, rec *MediatedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := binary.LittleEndian.Uint32(m.region[headOff:])
	tail := binary.LittleEndian.Uint32(m.region[tailOff:])
	if head-tail >= m.entries {
		return fmt.Errorf("virtio: mediated ring full: %w", hv.ErrDeviceBusy)
	}
	rec.encode(m.slot(ring, head))
	// Record bytes land before the head bump the consumer polls on.
	binary.LittleEndian.PutUint32(m.region[headOff:], head+1)
	return nil
}

func (m *MediatedRing) pop(ring int, headOff, tailOff int, rec *MediatedRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := binary.LittleEndian.Uint32(m.region[headOff:])
	tail := binary.LittleEndian.Uint32(m.region[tailOff:])
	if head == tail {
		return false
	}
	rec.decode(m.slot(ring, tail))
	binary.LittleEndian.PutUint32(m.region[tailOff:], tail+1)
	return true
}

// PushRequest enqueues a request toward the MVM.
func (m *MediatedRing) PushRequest(rec *MediatedRecord) error {
	return m.push(0, offReqHead, offReqTail, rec)
}

// PopRequest dequeues a request (MVM side).
func (m *MediatedRing) PopRequest(rec *MediatedRecord) bool {
	return m.pop(0, offReqHead, offReqTail, rec)
}

// PushCompletion enqueues a completion toward the hypervisor (MVM side).
func (m *MediatedRing) PushCompletion(rec *MediatedRecord) error {
	return m.push(1, offCompHead, offCompTail, rec)
}

// PopCompletion dequeues a completion.
func (m *MediatedRing) PopCompletion(rec *MediatedRecord) bool {
	return m.pop(1, offCompHead, offCompTail, rec)
}
