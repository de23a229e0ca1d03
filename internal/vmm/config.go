// Package vmm holds the VM configuration registry, the runtime Vm object
// and the lifecycle manager driven by management-VM hypercalls.
package vmm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/shyr/internal/hv"
)

// HexU64 is a 64-bit value that unmarshals from JSON hex strings ("0x...")
// as well as plain numbers, matching the configuration surface the MVM
// kernel module emits.
type HexU64 uint64

func (h *HexU64) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimPrefix(strings.ToLower(s), "0x")
		v, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return fmt.Errorf("vmm: hex value %q: %w", s, err)
		}
		*h = HexU64(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*h = HexU64(v)
	return nil
}

func (h HexU64) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(h)))
}

// VMType selects the guest OS flavour.
type VMType string

const (
	VMTypeLinux     VMType = "VM_T_LINUX"
	VMTypeBareMetal VMType = "VM_T_BAREMETAL"
)

// Emulated-device type tags in the configuration surface.
const (
	EmuTypeGICD            = "GICD"
	EmuTypePLIC            = "PLIC"
	EmuTypeVirtioBlk       = "VIRTIO_BLK_MEDIATED"
	EmuTypeVirtioNet       = "VIRTIO_NET"
	EmuTypeVirtioConsole   = "VIRTIO_CONSOLE"
	EmuTypeServiceChannel  = "SHYPER"
)

// ImageConfig locates the guest images and their load addresses.
type ImageConfig struct {
	KernelFilename     string `json:"kernel_filename"`
	KernelLoadIPA      HexU64 `json:"kernel_load_ipa"`
	KernelEntryPoint   HexU64 `json:"kernel_entry_point"`
	DeviceTreeFilename string `json:"device_tree_filename"`
	DeviceTreeLoadIPA  HexU64 `json:"device_tree_load_ipa"`
	RamdiskFilename    string `json:"ramdisk_filename"`
	RamdiskLoadIPA     HexU64 `json:"ramdisk_load_ipa"`
}

// MemoryRegion is one guest RAM span.
type MemoryRegion struct {
	IPAStart HexU64 `json:"ipa_start"`
	Length   HexU64 `json:"length"`
}

// MemoryConfig lists the guest RAM regions.
type MemoryConfig struct {
	Region []MemoryRegion `json:"region"`
}

// CPUConfig describes the vCPU allotment.
type CPUConfig struct {
	Num            int    `json:"num"`
	AllocateBitmap HexU64 `json:"allocate_bitmap"`
	Master         int    `json:"master"`
}

// EmulatedDeviceConfig describes one emulated device instance.
type EmulatedDeviceConfig struct {
	Name    string   `json:"name"`
	BaseIPA HexU64   `json:"base_ipa"`
	Length  HexU64   `json:"length"`
	IRQID   uint32   `json:"irq_id"`
	CfgNum  int      `json:"cfg_num"`
	CfgList []HexU64 `json:"cfg_list"`
	Type    string   `json:"type"`
}

// EmulatedDeviceList wraps the emulated-device array.
type EmulatedDeviceList struct {
	List []EmulatedDeviceConfig `json:"emulated_device_list"`
}

// PassthroughDeviceConfig describes one direct-assigned device region.
type PassthroughDeviceConfig struct {
	Name      string   `json:"name"`
	BasePA    HexU64   `json:"base_pa"`
	BaseIPA   HexU64   `json:"base_ipa"`
	Length    HexU64   `json:"length"`
	IRQNum    int      `json:"irq_num"`
	IRQList   []uint32 `json:"irq_list"`
	StreamIDs []uint32 `json:"smmu_id_list,omitempty"`
}

// PassthroughDeviceList wraps the passthrough array.
type PassthroughDeviceList struct {
	List []PassthroughDeviceConfig `json:"passthrough_device_list"`
}

// DtbDeviceConfig describes one node materialised into the guest device
// tree.
type DtbDeviceConfig struct {
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	IRQNum           int      `json:"irq_num"`
	IRQList          []uint32 `json:"irq_list"`
	AddrRegionIPA    HexU64   `json:"addr_region_ipa"`
	AddrRegionLength HexU64   `json:"addr_region_length"`
}

// DtbDeviceList wraps the DTB device array.
type DtbDeviceList struct {
	List []DtbDeviceConfig `json:"dtb_device_list"`
}

// VMConfig is the static description of a VM. It is immutable after VM
// creation except through the config hypercall group.
type VMConfig struct {
	Name    string `json:"name"`
	Type    VMType `json:"type"`
	Cmdline string `json:"cmdline"`

	Image             ImageConfig           `json:"image"`
	Memory            MemoryConfig          `json:"memory"`
	CPU               CPUConfig             `json:"cpu"`
	EmulatedDevice    EmulatedDeviceList    `json:"emulated_device"`
	PassthroughDevice PassthroughDeviceList `json:"passthrough_device"`
	DtbDevice         DtbDeviceList         `json:"dtb_device"`
}

// ParseVMConfig decodes and validates a configuration blob.
func ParseVMConfig(data []byte) (*VMConfig, error) {
	var cfg VMConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vmm: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration's internal consistency.
func (c *VMConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("vmm: config name: %w", hv.ErrInvalidArgument)
	}
	switch c.Type {
	case VMTypeLinux, VMTypeBareMetal:
	default:
		return fmt.Errorf("vmm: config type %q: %w", c.Type, hv.ErrInvalidArgument)
	}
	if len(c.Memory.Region) == 0 {
		return fmt.Errorf("vmm: config %s: no memory regions: %w", c.Name, hv.ErrInvalidArgument)
	}
	for _, r := range c.Memory.Region {
		if r.Length == 0 || uint64(r.IPAStart)%4096 != 0 || uint64(r.Length)%4096 != 0 {
			return fmt.Errorf("vmm: config %s: region 0x%x+0x%x: %w",
				c.Name, uint64(r.IPAStart), uint64(r.Length), hv.ErrInvalidArgument)
		}
	}
	if c.CPU.Num <= 0 || c.CPU.Num > 64 {
		return fmt.Errorf("vmm: config %s: %d vcpus: %w", c.Name, c.CPU.Num, hv.ErrInvalidArgument)
	}
	if popcount(uint64(c.CPU.AllocateBitmap)) < 1 {
		return fmt.Errorf("vmm: config %s: empty pcpu bitmap: %w", c.Name, hv.ErrInvalidArgument)
	}
	if uint64(c.CPU.AllocateBitmap)>>uint(c.CPU.Master)&1 == 0 {
		return fmt.Errorf("vmm: config %s: master pcpu %d outside bitmap: %w",
			c.Name, c.CPU.Master, hv.ErrInvalidArgument)
	}
	for _, d := range c.EmulatedDevice.List {
		switch d.Type {
		case EmuTypeGICD, EmuTypePLIC, EmuTypeVirtioBlk, EmuTypeVirtioNet,
			EmuTypeVirtioConsole, EmuTypeServiceChannel:
		default:
			return fmt.Errorf("vmm: config %s: emulated device type %q: %w",
				c.Name, d.Type, hv.ErrInvalidArgument)
		}
	}
	return nil
}

// PassthroughIRQs collects every interrupt id in the passthrough lists.
func (c *VMConfig) PassthroughIRQs() []uint32 {
	var out []uint32
	for _, d := range c.PassthroughDevice.List {
		out = append(out, d.IRQList...)
	}
	return out
}

func popcount(v uint64) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}
