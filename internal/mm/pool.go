package mm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/shyr/internal/hv"
)

const (
	PageSize  = 4096
	PageShift = 12

	// MaxOrder bounds the buddy allocator: the largest block is
	// 2^MaxOrder pages (4 MiB).
	MaxOrder = 10
)

// PFN is a physical frame number.
type PFN uint64

// PA returns the physical address of the frame.
func (p PFN) PA() uint64 { return uint64(p) << PageShift }

// PFNFromPA converts a physical address to its frame number.
func PFNFromPA(pa uint64) PFN { return PFN(pa >> PageShift) }

type block struct {
	pfn  PFN
	next *block
}

// PagePool is a buddy allocator over one contiguous span of host RAM that is
// not reserved for the hypervisor image or VM-static memory. A single lock
// protects it; allocations are bursty at VM-create and fault-fill time so
// contention stays low.
type PagePool struct {
	mu sync.Mutex

	mem  []byte
	base uint64 // physical address of mem[0]

	free      [MaxOrder + 1]*block
	allocated map[PFN]int // pfn -> order, for free-time merge checks
}

// NewPool maps an anonymous span of size bytes and presents it as physical
// memory starting at base. size is rounded down to the largest buddy block.
func NewPool(base, size uint64) (*PagePool, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("mm: pool base 0x%x not page aligned: %w", base, hv.ErrInvalidArgument)
	}
	size &^= PageSize<<MaxOrder - 1
	if size == 0 {
		return nil, fmt.Errorf("mm: pool size too small: %w", hv.ErrInvalidArgument)
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mm: map pool backing: %w", err)
	}

	p := &PagePool{
		mem:       mem,
		base:      base,
		allocated: make(map[PFN]int),
	}
	for off := uint64(0); off < size; off += PageSize << MaxOrder {
		p.pushFree(MaxOrder, PFNFromPA(base+off))
	}
	return p, nil
}

// Close releases the backing mapping.
func (p *PagePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// Base returns the physical address of the first frame.
func (p *PagePool) Base() uint64 { return p.base }

// Size returns the pool span in bytes.
func (p *PagePool) Size() uint64 { return uint64(len(p.mem)) }

func (p *PagePool) pushFree(order int, pfn PFN) {
	p.free[order] = &block{pfn: pfn, next: p.free[order]}
}

func (p *PagePool) popFree(order int) (PFN, bool) {
	b := p.free[order]
	if b == nil {
		return 0, false
	}
	p.free[order] = b.next
	return b.pfn, true
}

func (p *PagePool) removeFree(order int, pfn PFN) bool {
	for cur := &p.free[order]; *cur != nil; cur = &(*cur).next {
		if (*cur).pfn == pfn {
			*cur = (*cur).next
			return true
		}
	}
	return false
}

// AllocPages allocates a naturally-aligned block of 2^order pages.
func (p *PagePool) AllocPages(order int) (PFN, error) {
	if order < 0 || order > MaxOrder {
		return 0, fmt.Errorf("mm: alloc order %d: %w", order, hv.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	from := order
	for from <= MaxOrder {
		if p.free[from] != nil {
			break
		}
		from++
	}
	if from > MaxOrder {
		return 0, fmt.Errorf("mm: alloc order %d: %w", order, hv.ErrOutOfMemory)
	}

	pfn, _ := p.popFree(from)
	for from > order {
		from--
		p.pushFree(from, pfn+PFN(1)<<from)
	}

	p.allocated[pfn] = order
	return pfn, nil
}

// FreePages returns a block to the allocator, merging buddies as far as
// possible.
func (p *PagePool) FreePages(pfn PFN, order int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	have, ok := p.allocated[pfn]
	if !ok || have != order {
		return fmt.Errorf("mm: free pfn 0x%x order %d: %w", uint64(pfn), order, hv.ErrInvalidArgument)
	}
	delete(p.allocated, pfn)

	for order < MaxOrder {
		buddy := pfn ^ PFN(1)<<order
		if !p.removeFree(order, buddy) {
			break
		}
		if buddy < pfn {
			pfn = buddy
		}
		order++
	}
	p.pushFree(order, pfn)
	return nil
}

// AllocFrame allocates one zeroed page.
func (p *PagePool) AllocFrame() (PFN, error) {
	pfn, err := p.AllocPages(0)
	if err != nil {
		return 0, err
	}
	b, err := p.Bytes(pfn.PA(), PageSize)
	if err != nil {
		return 0, err
	}
	clear(b)
	return pfn, nil
}

// Bytes returns the host view of [pa, pa+length). The caller must not hold
// it across a FreePages of the containing block.
func (p *PagePool) Bytes(pa, length uint64) ([]byte, error) {
	if pa < p.base || pa+length > p.base+uint64(len(p.mem)) || pa+length < pa {
		return nil, fmt.Errorf("mm: pa 0x%x+0x%x outside pool: %w", pa, length, hv.ErrInvalidArgument)
	}
	off := pa - p.base
	return p.mem[off : off+length], nil
}

// FrameWords views one frame as its 512 descriptor slots.
func (p *PagePool) FrameWords(pfn PFN) ([]uint64, error) {
	b, err := p.Bytes(pfn.PA(), PageSize)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), PageSize/8), nil
}

// Contains reports whether pa lies inside the pool span.
func (p *PagePool) Contains(pa uint64) bool {
	return pa >= p.base && pa < p.base+uint64(len(p.mem))
}
