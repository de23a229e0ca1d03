package aarch64

import (
	"testing"

	"github.com/tinyrange/shyr/internal/hv"
)

func TestDecodeDataAbort(t *testing.T) {
	cases := []struct {
		name string
		iss  uint32
		want DataAbort
	}{
		{
			// ISV=1, SAS=2 (word), SRT=3, WnR=1, DFSC=translation L3
			name: "32-bit write",
			iss:  1<<24 | 2<<22 | 3<<16 | 1<<6 | 0x07,
			want: DataAbort{Valid: true, Width: 4, Reg: 3, Write: true, Translation: true},
		},
		{
			// ISV=1, SAS=0 (byte), SSE=1, SRT=9, read, DFSC=permission L3
			name: "sign-extended byte read",
			iss:  1<<24 | 1<<21 | 9<<16 | 0x0f,
			want: DataAbort{Valid: true, Width: 1, SignExtend: true, Reg: 9},
		},
		{
			name: "no syndrome",
			iss:  0x07,
			want: DataAbort{Width: 1, Translation: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecodeDataAbort(tc.iss); got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeESR(t *testing.T) {
	esr := uint64(ECDabtLower)<<26 | 1<<25 | 0x123
	s := DecodeESR(esr)
	if s.EC != ECDabtLower || !s.IL || s.ISS != 0x123 {
		t.Fatalf("syndrome %+v", s)
	}
}

func TestSysRegTrapKey(t *testing.T) {
	// CNTP_CTL_EL0: op0=3 op1=3 crn=14 crm=2 op2=1, read into x5.
	iss := uint32(3)<<20 | 1<<17 | 3<<14 | 14<<10 | 5<<5 | 2<<1 | 1
	trap := DecodeSysRegTrap(iss)
	if trap.Op0 != 3 || trap.Op1 != 3 || trap.CRn != 14 || trap.CRm != 2 || trap.Op2 != 1 {
		t.Fatalf("encoding %+v", trap)
	}
	if trap.Reg != 5 || trap.Write {
		t.Fatalf("access %+v", trap)
	}
	if trap.Key() != SysRegKey(3, 3, 14, 2, 1) {
		t.Fatalf("key mismatch")
	}
}

func TestIPIAndSecondaries(t *testing.T) {
	var delivered []hv.IPIMessage
	a := New(2, func(target int, msg hv.IPIMessage) error {
		if target != 1 {
			t.Fatalf("ipi target %d", target)
		}
		delivered = append(delivered, msg)
		return nil
	})

	if err := a.SendIPI(1, hv.IPIMessage{Vector: hv.IPIReschedule, Payload: 9}); err != nil {
		t.Fatalf("send ipi: %v", err)
	}
	if len(delivered) != 1 || delivered[0].Payload != 9 {
		t.Fatalf("delivery %+v", delivered)
	}
	if err := a.SendIPI(5, hv.IPIMessage{}); err == nil {
		t.Fatalf("out-of-range target accepted")
	}

	var released []uint64
	a.OnSecondaryRelease(func(pcpu int, entry uint64) {
		released = append(released, entry)
	})
	if err := a.StartSecondary(1, 0x8000_1000); err != nil {
		t.Fatalf("start secondary: %v", err)
	}
	if len(released) != 1 || released[0] != 0x8000_1000 {
		t.Fatalf("release %v", released)
	}
	// Releasing twice fails: the core is no longer parked.
	if err := a.StartSecondary(1, 0x8000_1000); err == nil {
		t.Fatalf("double release accepted")
	}

	// TLB generation advances per broadcast invalidate.
	a.TLBInvalidateGuest(3)
	a.TLBInvalidateGuest(3)
	if a.TLBGeneration(3) != 2 {
		t.Fatalf("tlb generation %d", a.TLBGeneration(3))
	}
}
