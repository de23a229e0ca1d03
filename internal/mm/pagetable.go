package mm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

// Stage selects the address-space flavour.
type Stage int

const (
	// Stage1 is the hypervisor's private translation regime.
	Stage1 Stage = 1
	// Stage2 is a per-VM guest-physical regime, VMID tagged.
	Stage2 Stage = 2
)

// Translation granule geometry: 4 KiB granules, four levels, with block
// entries at level 1 (1 GiB) and level 2 (2 MiB).
const (
	ptLevels    = 4
	ptIndexBits = 9
	ptIndexMask = 1<<ptIndexBits - 1

	BlockSize2M = 1 << 21
	BlockSize1G = 1 << 30
)

// Descriptor bits. The layout mirrors the VMSAv8-64 stage-2 format closely
// enough that the attribute and permission planes translate one to one.
const (
	descValid = 1 << 0
	descTable = 1 << 1 // at levels 0-2; at level 3 marks a page descriptor
	descAF    = 1 << 10

	descAttrShift = 2
	descAttrMask  = 0x3 << descAttrShift

	descRead  = 1 << 6
	descWrite = 1 << 7
	descXN    = 1 << 53
	descEL0   = 1 << 54

	// descTracked is a software bit: the write permission was removed by
	// dirty tracking and must be restored on the first write fault.
	descTracked = 1 << 55

	descAddrMask = 0x0000_ffff_ffff_f000
)

func encodeLeaf(pa uint64, attr MemAttr, perm Perm, level int) uint64 {
	d := uint64(descValid|descAF) | pa&descAddrMask
	if level == ptLevels-1 {
		d |= descTable // page descriptor
	}
	d |= uint64(attr) << descAttrShift
	if perm&PermR != 0 {
		d |= descRead
	}
	if perm&PermW != 0 {
		d |= descWrite
	}
	if perm&PermX == 0 {
		d |= descXN
	}
	if perm&PermEL0 != 0 {
		d |= descEL0
	}
	return d
}

func decodePerm(d uint64) Perm {
	var p Perm
	if d&descRead != 0 {
		p |= PermR
	}
	if d&descWrite != 0 || d&descTracked != 0 {
		p |= PermW
	}
	if d&descXN == 0 {
		p |= PermX
	}
	if d&descEL0 != 0 {
		p |= PermEL0
	}
	return p
}

func decodeAttr(d uint64) MemAttr {
	return MemAttr(d & descAttrMask >> descAttrShift)
}

func isLeaf(d uint64, level int) bool {
	if d&descValid == 0 {
		return false
	}
	if level == ptLevels-1 {
		return true
	}
	return d&descTable == 0
}

func levelSize(level int) uint64 {
	return 1 << (PageShift + ptIndexBits*(ptLevels-1-level))
}

func levelIndex(ipa uint64, level int) int {
	return int(ipa >> (PageShift + ptIndexBits*(ptLevels-1-level)) & ptIndexMask)
}

// AddressSpace is a tree of page-table frames describing one translation
// regime. Mutation is serialised by the per-space lock (the VM's lifecycle
// owner during configuration, any pCPU during fault fill or migration);
// hardware walks are concurrent and see descriptors through the pool.
type AddressSpace struct {
	mu sync.Mutex

	stage Stage
	vmid  uint32
	pool  *PagePool
	arch  hv.Arch

	root PFN

	tracking bool
	dirty    *DirtyBitmap
}

// NewAddressSpace allocates an empty translation tree.
func NewAddressSpace(pool *PagePool, arch hv.Arch, stage Stage, vmid uint32) (*AddressSpace, error) {
	root, err := pool.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("mm: stage-%d root: %w", stage, err)
	}
	return &AddressSpace{
		stage: stage,
		vmid:  vmid,
		pool:  pool,
		arch:  arch,
		root:  root,
	}, nil
}

// AdoptAddressSpace rebuilds an AddressSpace around an existing tree (the
// live-update path: the new image re-adopts page tables in place).
func AdoptAddressSpace(pool *PagePool, arch hv.Arch, stage Stage, vmid uint32, root PFN) (*AddressSpace, error) {
	if !pool.Contains(root.PA()) {
		return nil, fmt.Errorf("mm: adopt root 0x%x outside pool: %w", root.PA(), hv.ErrInvalidArgument)
	}
	return &AddressSpace{
		stage: stage,
		vmid:  vmid,
		pool:  pool,
		arch:  arch,
		root:  root,
	}, nil
}

// Root returns the root table frame, as programmed into VTTBR/hgatp.
func (as *AddressSpace) Root() PFN { return as.root }

// VMID returns the regime's VMID tag.
func (as *AddressSpace) VMID() uint32 { return as.vmid }

// Stage returns the regime flavour.
func (as *AddressSpace) Stage() Stage { return as.stage }

func (as *AddressSpace) invalidate() {
	if as.arch != nil {
		as.arch.TLBInvalidateGuest(as.vmid)
	}
}

// Map establishes [ipa, ipa+length) -> [pa, pa+length) with the given
// attributes. length must be a multiple of the page size. The largest block
// size consistent with alignment is chosen per chunk. Remapping a page to
// the identical pa and attributes is a no-op; any other existing mapping in
// the range fails with hv.ErrOverlap and leaves earlier chunks in place.
func (as *AddressSpace) Map(ipa, pa, length uint64, attr MemAttr, perm Perm) error {
	if ipa%PageSize != 0 || pa%PageSize != 0 || length%PageSize != 0 || length == 0 {
		return fmt.Errorf("mm: map ipa=0x%x pa=0x%x len=0x%x: %w", ipa, pa, length, hv.ErrInvalidArgument)
	}
	if attr.Device() && perm&PermX != 0 {
		return fmt.Errorf("mm: device mapping at 0x%x cannot be executable: %w", ipa, hv.ErrInvalidArgument)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	end := ipa + length
	for ipa < end {
		size := uint64(PageSize)
		switch {
		case ipa%BlockSize1G == 0 && pa%BlockSize1G == 0 && end-ipa >= BlockSize1G:
			size = BlockSize1G
		case ipa%BlockSize2M == 0 && pa%BlockSize2M == 0 && end-ipa >= BlockSize2M:
			size = BlockSize2M
		}
		if err := as.mapChunk(ipa, pa, size, attr, perm); err != nil {
			return err
		}
		ipa += size
		pa += size
	}
	return nil
}

func blockLevel(size uint64) int {
	switch size {
	case BlockSize1G:
		return 1
	case BlockSize2M:
		return 2
	default:
		return 3
	}
}

func (as *AddressSpace) mapChunk(ipa, pa, size uint64, attr MemAttr, perm Perm) error {
	target := blockLevel(size)

	table := as.root
	for level := 0; ; level++ {
		words, err := as.pool.FrameWords(table)
		if err != nil {
			return err
		}
		idx := levelIndex(ipa, level)
		d := words[idx]

		if level == target {
			want := encodeLeaf(pa, attr, perm, level)
			if d&descValid != 0 {
				if isLeaf(d, level) {
					if d&descAddrMask == pa&descAddrMask && decodeAttr(d) == attr && decodePerm(d) == perm {
						return nil // idempotent remap
					}
					return fmt.Errorf("mm: map 0x%x: %w", ipa, hv.ErrOverlap)
				}
				// A table already covers this span: map the chunk as
				// page-size pieces underneath it instead.
				if size > PageSize {
					for off := uint64(0); off < size; off += PageSize {
						if err := as.mapChunk(ipa+off, pa+off, PageSize, attr, perm); err != nil {
							return err
						}
					}
					return nil
				}
				return fmt.Errorf("mm: map 0x%x: %w", ipa, hv.ErrOverlap)
			}
			if as.tracking && perm&PermW != 0 {
				want = want&^uint64(descWrite) | descTracked
			}
			words[idx] = want
			return nil
		}

		if d&descValid == 0 {
			next, err := as.pool.AllocFrame()
			if err != nil {
				return fmt.Errorf("mm: intermediate table: %w", err)
			}
			words[idx] = next.PA()&descAddrMask | descValid | descTable
			table = next
			continue
		}
		if isLeaf(d, level) {
			// An existing larger block covers the chunk: idempotent only
			// if the containing mapping agrees on pa and attributes.
			blockPA := d & descAddrMask
			off := ipa % levelSize(level)
			if blockPA+off == pa && decodeAttr(d) == attr && decodePerm(d) == perm {
				return nil
			}
			return fmt.Errorf("mm: map 0x%x: %w", ipa, hv.ErrOverlap)
		}
		table = PFNFromPA(d & descAddrMask)
	}
}

// Unmap tears down all leaf entries in [ipa, ipa+length), splitting blocks
// that straddle the boundary, freeing intermediate tables that become empty
// and broadcasting a TLB invalidate for the VMID.
func (as *AddressSpace) Unmap(ipa, length uint64) error {
	if ipa%PageSize != 0 || length%PageSize != 0 || length == 0 {
		return fmt.Errorf("mm: unmap ipa=0x%x len=0x%x: %w", ipa, length, hv.ErrInvalidArgument)
	}

	as.mu.Lock()
	err := as.unmapLevel(as.root, 0, 0, ipa, ipa+length)
	as.mu.Unlock()

	as.invalidate()
	return err
}

// unmapLevel clears the intersection of [start, end) with the span of the
// table rooted at base.
func (as *AddressSpace) unmapLevel(table PFN, level int, base, start, end uint64) error {
	words, err := as.pool.FrameWords(table)
	if err != nil {
		return err
	}
	size := levelSize(level)

	first := 0
	if start > base {
		first = int((start - base) / size)
	}
	for idx := first; idx < 1<<ptIndexBits; idx++ {
		entryBase := base + uint64(idx)*size
		if entryBase >= end {
			break
		}
		d := words[idx]
		if d&descValid == 0 {
			continue
		}

		entryEnd := entryBase + size
		if isLeaf(d, level) {
			if entryBase >= start && entryEnd <= end {
				words[idx] = 0
				continue
			}
			// Partial overlap with a block: split it into the next level
			// and recurse.
			if err := as.splitBlock(words, idx, d, level); err != nil {
				return err
			}
			d = words[idx]
		}

		next := PFNFromPA(d & descAddrMask)
		lo, hi := max(start, entryBase), min(end, entryEnd)
		if err := as.unmapLevel(next, level+1, entryBase, lo, hi); err != nil {
			return err
		}
		empty, err := as.tableEmpty(next)
		if err != nil {
			return err
		}
		if empty {
			if err := as.pool.FreePages(next, 0); err != nil {
				return err
			}
			words[idx] = 0
		}
	}
	return nil
}

func (as *AddressSpace) splitBlock(words []uint64, idx int, d uint64, level int) error {
	next, err := as.pool.AllocFrame()
	if err != nil {
		return fmt.Errorf("mm: split block: %w", err)
	}
	nw, err := as.pool.FrameWords(next)
	if err != nil {
		return err
	}
	childSize := levelSize(level + 1)
	pa := d & descAddrMask
	attr, perm := decodeAttr(d), decodePerm(d)
	tracked := d&descTracked != 0
	for i := range nw {
		child := encodeLeaf(pa+uint64(i)*childSize, attr, perm, level+1)
		if tracked {
			child = child&^uint64(descWrite) | descTracked
		}
		nw[i] = child
	}
	words[idx] = next.PA()&descAddrMask | descValid | descTable
	return nil
}

func (as *AddressSpace) tableEmpty(table PFN) (bool, error) {
	words, err := as.pool.FrameWords(table)
	if err != nil {
		return false, err
	}
	for _, d := range words {
		if d != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Translate resolves one guest-physical address. It is pure: no state is
// mutated and no TLB activity results.
func (as *AddressSpace) Translate(ipa uint64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.translateLocked(ipa)
}

func (as *AddressSpace) translateLocked(ipa uint64) (uint64, error) {
	table := as.root
	for level := 0; level < ptLevels; level++ {
		words, err := as.pool.FrameWords(table)
		if err != nil {
			return 0, err
		}
		d := words[levelIndex(ipa, level)]
		if d&descValid == 0 {
			return 0, fmt.Errorf("mm: translate 0x%x: %w", ipa, hv.ErrUnmapped)
		}
		if isLeaf(d, level) {
			return d&descAddrMask | ipa%levelSize(level), nil
		}
		table = PFNFromPA(d & descAddrMask)
	}
	return 0, fmt.Errorf("mm: translate 0x%x: %w", ipa, hv.ErrUnmapped)
}

// Walk visits every leaf mapping in ascending IPA order.
func (as *AddressSpace) Walk(visit func(ipa, pa, size uint64, attr MemAttr, perm Perm) error) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.walkLevel(as.root, 0, 0, func(ipa uint64, d uint64, level int) error {
		return visit(ipa, d&descAddrMask, levelSize(level), decodeAttr(d), decodePerm(d))
	})
}

func (as *AddressSpace) walkLevel(table PFN, level int, base uint64, visit func(ipa uint64, d uint64, level int) error) error {
	words, err := as.pool.FrameWords(table)
	if err != nil {
		return err
	}
	size := levelSize(level)
	for idx, d := range words {
		if d&descValid == 0 {
			continue
		}
		ipa := base + uint64(idx)*size
		if isLeaf(d, level) {
			if err := visit(ipa, d, level); err != nil {
				return err
			}
			continue
		}
		if err := as.walkLevel(PFNFromPA(d&descAddrMask), level+1, ipa, visit); err != nil {
			return err
		}
	}
	return nil
}

// mutateLeaves applies fn to every leaf descriptor in place.
func (as *AddressSpace) mutateLeaves(fn func(d uint64) uint64) error {
	var apply func(table PFN, level int) error
	apply = func(table PFN, level int) error {
		words, err := as.pool.FrameWords(table)
		if err != nil {
			return err
		}
		for idx, d := range words {
			if d&descValid == 0 {
				continue
			}
			if isLeaf(d, level) {
				words[idx] = fn(d)
				continue
			}
			if err := apply(PFNFromPA(d&descAddrMask), level+1); err != nil {
				return err
			}
		}
		return nil
	}
	return apply(as.root, 0)
}

// SetDirtyTracking arms or disarms write tracking. While armed, every
// writable leaf has its write permission withdrawn; the first write to each
// page takes a stage-2 permission fault which HandleWriteFault turns into a
// dirty bit before restoring write access.
func (as *AddressSpace) SetDirtyTracking(on bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if on == as.tracking {
		return nil
	}
	as.tracking = on

	var err error
	if on {
		as.dirty = NewDirtyBitmap()
		err = as.mutateLeaves(func(d uint64) uint64 {
			if d&descWrite != 0 {
				return d&^uint64(descWrite) | descTracked
			}
			return d
		})
	} else {
		as.dirty = nil
		err = as.mutateLeaves(func(d uint64) uint64 {
			if d&descTracked != 0 {
				return d&^uint64(descTracked) | descWrite
			}
			return d
		})
	}

	as.invalidate()
	return err
}

// TrackingEnabled reports whether dirty tracking is armed.
func (as *AddressSpace) TrackingEnabled() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tracking
}

// HandleWriteFault services a stage-2 permission fault at ipa. If the fault
// was induced by dirty tracking it marks the page dirty, restores write
// access and returns true; otherwise the fault belongs to the guest.
func (as *AddressSpace) HandleWriteFault(ipa uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.tracking {
		return false
	}

	table := as.root
	for level := 0; level < ptLevels; level++ {
		words, err := as.pool.FrameWords(table)
		if err != nil {
			return false
		}
		idx := levelIndex(ipa, level)
		d := words[idx]
		if d&descValid == 0 {
			return false
		}
		if isLeaf(d, level) {
			if d&descTracked == 0 {
				return false
			}
			words[idx] = d&^uint64(descTracked) | descWrite
			base := ipa &^ (levelSize(level) - 1)
			for off := uint64(0); off < levelSize(level); off += PageSize {
				as.dirty.Set(base + off)
			}
			if as.arch != nil {
				as.arch.TLBInvalidateLocal()
			}
			return true
		}
		table = PFNFromPA(d & descAddrMask)
	}
	return false
}

// DirtySnapshotAndClear atomically snapshots the dirty bitmap, clears it and
// re-arms write protection on the dirtied pages so the next round observes
// only writes that follow this snapshot.
func (as *AddressSpace) DirtySnapshotAndClear() *DirtyBitmap {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.tracking || as.dirty == nil {
		return NewDirtyBitmap()
	}
	snap := as.dirty
	as.dirty = NewDirtyBitmap()

	// Withdraw write access again for the pages that were dirtied.
	snap.Each(func(ipa uint64) {
		as.reprotectLocked(ipa)
	})
	as.invalidate()
	return snap
}

func (as *AddressSpace) reprotectLocked(ipa uint64) {
	table := as.root
	for level := 0; level < ptLevels; level++ {
		words, err := as.pool.FrameWords(table)
		if err != nil {
			return
		}
		idx := levelIndex(ipa, level)
		d := words[idx]
		if d&descValid == 0 {
			return
		}
		if isLeaf(d, level) {
			if d&descWrite != 0 {
				words[idx] = d&^uint64(descWrite) | descTracked
			}
			return
		}
		table = PFNFromPA(d & descAddrMask)
	}
}

// Destroy releases every table frame. Leaf targets are not freed; the VM's
// memory regions are returned by their owner.
func (as *AddressSpace) Destroy() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var free func(table PFN, level int) error
	free = func(table PFN, level int) error {
		words, err := as.pool.FrameWords(table)
		if err != nil {
			return err
		}
		for _, d := range words {
			if d&descValid == 0 || isLeaf(d, level) {
				continue
			}
			if err := free(PFNFromPA(d&descAddrMask), level+1); err != nil {
				return err
			}
		}
		return as.pool.FreePages(table, 0)
	}
	err := free(as.root, 0)
	as.invalidate()
	return err
}
