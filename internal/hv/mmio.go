package hv

// MMIORegion is a guest-physical address range served by an emulated device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether addr falls inside the region.
func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr < r.Address+r.Size
}

// MMIOAccess is a decoded stage-2 abort on an emulated-device address.
// The trap dispatcher fills it from the exception syndrome before handing it
// to the device bus; Reg names the guest general-purpose register that
// sources (write) or sinks (read) the value.
type MMIOAccess struct {
	Addr       uint64
	Width      int // access size in bytes: 1, 2, 4 or 8
	Write      bool
	SignExtend bool
	Reg        int
	Value      uint64
}
