package aarch64

// ESR_EL2 exception class values for traps the engine handles.
const (
	ECWfx       = 0x01
	ECHvc64     = 0x16
	ECSysReg    = 0x18
	ECIabtLower = 0x20
	ECDabtLower = 0x24
)

// Syndrome is a decoded ESR_EL2 value.
type Syndrome struct {
	EC  uint32
	IL  bool
	ISS uint32
}

// DecodeESR splits an ESR_EL2 value into class, instruction length and ISS.
func DecodeESR(esr uint64) Syndrome {
	return Syndrome{
		EC:  uint32(esr >> 26 & 0x3f),
		IL:  esr&(1<<25) != 0,
		ISS: uint32(esr & 0x1ffffff),
	}
}

// DataAbort is the ISS decode of a lower-EL data abort.
type DataAbort struct {
	// Valid mirrors ISV: when clear the syndrome carries no access decode
	// and the access must be emulated by instruction fetch (unsupported).
	Valid      bool
	Width      int
	SignExtend bool
	Reg        int
	Write      bool
	// Translation is set for translation faults (unmapped IPA), clear for
	// permission faults (dirty-tracking write protection).
	Translation bool
}

// DecodeDataAbort extracts the access description from a DABT ISS.
func DecodeDataAbort(iss uint32) DataAbort {
	dfsc := iss & 0x3f
	return DataAbort{
		Valid:       iss&(1<<24) != 0,
		Width:       1 << (iss >> 22 & 0x3),
		SignExtend:  iss&(1<<21) != 0,
		Reg:         int(iss >> 16 & 0x1f),
		Write:       iss&(1<<6) != 0,
		Translation: dfsc >= 0x04 && dfsc <= 0x07,
	}
}

// SysRegTrap is the ISS decode of a trapped MSR/MRS.
type SysRegTrap struct {
	Op0, Op1, CRn, CRm, Op2 uint32
	Reg                     int
	Write                   bool
}

// DecodeSysRegTrap extracts the register encoding from a sysreg-trap ISS.
func DecodeSysRegTrap(iss uint32) SysRegTrap {
	return SysRegTrap{
		Op0:   iss >> 20 & 0x3,
		Op2:   iss >> 17 & 0x7,
		Op1:   iss >> 14 & 0x7,
		CRn:   iss >> 10 & 0xf,
		Reg:   int(iss >> 5 & 0x1f),
		CRm:   iss >> 1 & 0xf,
		Write: iss&1 == 0,
	}
}

// SysRegKey packs a sysreg encoding for table lookup at the dispatch site.
func SysRegKey(op0, op1, crn, crm, op2 uint32) uint32 {
	return op0<<20 | op2<<17 | op1<<14 | crn<<10 | crm<<1
}

// Key returns the lookup key for the trapped encoding.
func (t SysRegTrap) Key() uint32 {
	return SysRegKey(t.Op0, t.Op1, t.CRn, t.CRm, t.Op2)
}
