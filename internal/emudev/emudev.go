// Package emudev is the registry and dispatch bus for emulated-device MMIO
// regions. Every emulated device registers one guest-physical interval; the
// trap dispatcher resolves stage-2 aborts against the per-VM table.
package emudev

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
)

// Kind tags the concrete device behind a registration. Dispatch sites switch
// over kinds exhaustively rather than going through dynamic dispatch alone.
type Kind int

const (
	KindInvalid Kind = iota
	KindVGicD
	KindVGicR
	KindVPlic
	KindVirtioConsole
	KindVirtioNet
	KindVirtioBlkMediated
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindVGicD:
		return "vgicd"
	case KindVGicR:
		return "vgicr"
	case KindVPlic:
		return "vplic"
	case KindVirtioConsole:
		return "virtio-console"
	case KindVirtioNet:
		return "virtio-net"
	case KindVirtioBlkMediated:
		return "virtio-blk-mediated"
	case KindService:
		return "service"
	}
	return "invalid"
}

// Handler is the MMIO-emu capability set every emulated device implements.
type Handler interface {
	Kind() Kind
	Region() hv.MMIORegion

	HandleRead(addr uint64, width int) (uint64, error)
	HandleWrite(addr uint64, width int, val uint64) error
}

type entry struct {
	region  hv.MMIORegion
	handler Handler
}

// Bus is a per-VM sorted interval table of emulated-device regions.
// Registration happens at VM creation; dispatch is read-mostly.
type Bus struct {
	mu      sync.RWMutex
	entries []entry
	log     *slog.Logger
}

// NewBus returns an empty device table.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{log: logger}
}

// Register inserts a handler's region into the table. Overlapping regions
// are rejected.
func (b *Bus) Register(h Handler) error {
	r := h.Region()
	if r.Size == 0 {
		return fmt.Errorf("emudev: %s: empty region: %w", h.Kind(), hv.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].region.Address >= r.Address
	})
	if idx > 0 {
		prev := b.entries[idx-1].region
		if prev.Address+prev.Size > r.Address {
			return fmt.Errorf("emudev: %s at 0x%x: %w", h.Kind(), r.Address, hv.ErrOverlap)
		}
	}
	if idx < len(b.entries) && r.Address+r.Size > b.entries[idx].region.Address {
		return fmt.Errorf("emudev: %s at 0x%x: %w", h.Kind(), r.Address, hv.ErrOverlap)
	}

	b.entries = append(b.entries, entry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = entry{region: r, handler: h}
	return nil
}

// Lookup resolves addr to its handler in O(log n).
func (b *Bus) Lookup(addr uint64) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].region.Address > addr
	})
	if idx == 0 {
		return nil, false
	}
	e := b.entries[idx-1]
	if !e.region.Contains(addr) {
		return nil, false
	}
	return e.handler, true
}

// Handlers returns the registered handlers in address order.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.handler
	}
	return out
}

// Dispatch routes a decoded access to its handler. Returns false when no
// region covers the address. Access-width violations reported by the device
// degrade to read-as-zero / write-ignored with a log event, matching what
// the hardware bus fabric would do.
func (b *Bus) Dispatch(access *hv.MMIOAccess) (bool, error) {
	h, ok := b.Lookup(access.Addr)
	if !ok {
		return false, nil
	}

	if access.Write {
		err := h.HandleWrite(access.Addr, access.Width, access.Value)
		if err != nil {
			b.log.Warn("emudev: write ignored",
				"kind", h.Kind().String(), "addr", fmt.Sprintf("0x%x", access.Addr),
				"width", access.Width, "err", err)
		}
		return true, nil
	}

	val, err := h.HandleRead(access.Addr, access.Width)
	if err != nil {
		b.log.Warn("emudev: read as zero",
			"kind", h.Kind().String(), "addr", fmt.Sprintf("0x%x", access.Addr),
			"width", access.Width, "err", err)
		val = 0
	}
	if access.SignExtend {
		shift := 64 - uint(access.Width)*8
		val = uint64(int64(val<<shift) >> shift)
	}
	access.Value = val
	return true, nil
}
