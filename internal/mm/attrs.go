// Package mm provides the physical page allocator and the stage-1/stage-2
// page-table engine.
package mm

// MemAttr selects the memory type programmed into a leaf descriptor.
// A page is either normal-cacheable or one of the device types, never both.
type MemAttr int

const (
	AttrNormalCacheable MemAttr = iota
	AttrDeviceNGnRnE
	AttrDeviceNGnRE
)

func (a MemAttr) String() string {
	switch a {
	case AttrNormalCacheable:
		return "normal"
	case AttrDeviceNGnRnE:
		return "device-nGnRnE"
	case AttrDeviceNGnRE:
		return "device-nGnRE"
	}
	return "invalid"
}

// Device reports whether the attribute is one of the device types.
func (a MemAttr) Device() bool { return a != AttrNormalCacheable }

// Perm is the permission set of a mapping.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	// PermEL0 additionally grants the unprivileged exception level access;
	// without it the mapping is guest-kernel only.
	PermEL0
)

const (
	PermRW  = PermR | PermW
	PermRWX = PermR | PermW | PermX
)
