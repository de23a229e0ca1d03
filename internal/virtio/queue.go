// Package virtio implements the split-virtqueue transport and the
// emulated console, net and mediated block devices carried over it.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/shyr/internal/hv"
)

// GuestMemory provides access to guest physical memory, addressed by IPA.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor flags.
const (
	descFlagNext  = 1
	descFlagWrite = 2
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWrite reports whether the buffer is device-writable.
func (d Descriptor) IsWrite() bool { return d.Flags&descFlagWrite != 0 }

// HasNext reports whether the chain continues.
func (d Descriptor) HasNext() bool { return d.Flags&descFlagNext != 0 }

// Queue is a split virtqueue living in guest memory. The hypervisor only
// trusts indices after reducing them modulo the queue size and bounds-checks
// every descriptor against guest memory before touching it.
type Queue struct {
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	Size      uint16
	MaxSize   uint16
	Ready     bool

	lastAvail uint16
	usedIdx   uint16

	mem GuestMemory
}

// NewQueue creates a queue bound to guest memory.
func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize, mem: mem}
}

// Reset clears all driver-visible state.
func (q *Queue) Reset() {
	*q = Queue{MaxSize: q.MaxSize, mem: q.mem}
}

// SetSize sets the ring size negotiated by the driver.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize || size&(size-1) != 0 {
		return fmt.Errorf("virtio: queue size %d: %w", size, hv.ErrInvalidArgument)
	}
	q.Size = size
	return nil
}

// LastAvail returns the host-side consumed cursor; migration ships it so
// the destination resumes exactly where the source stopped.
func (q *Queue) LastAvail() uint16 { return q.lastAvail }

// UsedIdx returns the published used-ring index.
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// RestoreCursors reinstates queue progress on a migration destination.
func (q *Queue) RestoreCursors(lastAvail, usedIdx uint16) {
	q.lastAvail = lastAvail
	q.usedIdx = usedIdx
}

func (q *Queue) readGuest(addr uint64, buf []byte) error {
	if _, err := q.mem.ReadAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("virtio: guest read 0x%x: %w", addr, err)
	}
	return nil
}

func (q *Queue) writeGuest(addr uint64, buf []byte) error {
	if _, err := q.mem.WriteAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("virtio: guest write 0x%x: %w", addr, err)
	}
	return nil
}

// ReadDescriptor fetches descriptor idx from the table.
func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor %d out of bounds (size %d): %w",
			idx, q.Size, hv.ErrInvalidArgument)
	}
	var buf [16]byte
	if err := q.readGuest(q.DescAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopAvail consumes the next available descriptor head, if any.
func (q *Queue) PopAvail() (head uint16, ok bool, err error) {
	if !q.Ready || q.Size == 0 {
		return 0, false, fmt.Errorf("virtio: queue not ready: %w", hv.ErrStateInvalid)
	}

	var hdr [4]byte
	if err := q.readGuest(q.AvailAddr, hdr[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(hdr[2:4])
	if q.lastAvail == availIdx {
		return 0, false, nil
	}

	slot := q.lastAvail % q.Size
	var buf [2]byte
	if err := q.readGuest(q.AvailAddr+4+uint64(slot)*2, buf[:]); err != nil {
		return 0, false, err
	}
	q.lastAvail++

	head = binary.LittleEndian.Uint16(buf[:])
	if head >= q.Size {
		return 0, false, fmt.Errorf("virtio: avail head %d out of bounds: %w", head, hv.ErrInvalidArgument)
	}
	return head, true, nil
}

// Buffer is one validated element of a descriptor chain.
type Buffer struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// WalkChain collects and validates the chain starting at head. validate is
// called for every buffer so the owner can reject descriptors pointing
// outside the guest's configured memory.
func (q *Queue) WalkChain(head uint16, validate func(addr uint64, length uint32) error) ([]Buffer, error) {
	var out []Buffer
	idx := head
	for n := 0; ; n++ {
		if n > int(q.Size) {
			return nil, fmt.Errorf("virtio: descriptor loop at head %d: %w", head, hv.ErrInvalidArgument)
		}
		d, err := q.ReadDescriptor(idx)
		if err != nil {
			return nil, err
		}
		if validate != nil {
			if err := validate(d.Addr, d.Length); err != nil {
				return nil, err
			}
		}
		out = append(out, Buffer{Addr: d.Addr, Length: d.Length, IsWrite: d.IsWrite()})
		if !d.HasNext() {
			return out, nil
		}
		idx = d.Next
	}
}

// PushUsed publishes a completed chain. The element write precedes the
// used_idx store, which is the release the driver pairs its index load
// against; the single writer per queue keeps this a plain ordered pair of
// guest-memory writes.
func (q *Queue) PushUsed(head uint16, length uint32) error {
	if q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready: %w", hv.ErrStateInvalid)
	}
	slot := q.usedIdx % q.Size

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeGuest(q.UsedAddr+4+uint64(slot)*8, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.writeGuest(q.UsedAddr+2, idx[:])
}
