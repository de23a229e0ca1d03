package rv64

import "testing"

func TestDecodeGuestPageFault(t *testing.T) {
	s := Decode(CauseStoreGuestFault, 0x8000_1234>>2, 0)
	if s.Interrupt || s.Code != CauseStoreGuestFault {
		t.Fatalf("syndrome %+v", s)
	}
	if s.GuestPA != 0x8000_1234&^uint64(3) {
		t.Fatalf("guest pa 0x%x", s.GuestPA)
	}

	intr := Decode(uint64(1)<<63|IntSupervisorExt, 0, 0)
	if !intr.Interrupt || intr.Code != IntSupervisorExt {
		t.Fatalf("interrupt syndrome %+v", intr)
	}
}

func TestDecodeMemAccess(t *testing.T) {
	cases := []struct {
		name string
		inst uint64
		want MemAccess
	}{
		{
			// lw x7, 0(x5): opcode 0x03, funct3 010, rd 7
			name: "lw",
			inst: 0x03 | 2<<12 | 7<<7,
			want: MemAccess{Valid: true, Width: 4, SignExtend: true, Reg: 7},
		},
		{
			// lbu x9: funct3 100
			name: "lbu",
			inst: 0x03 | 4<<12 | 9<<7,
			want: MemAccess{Valid: true, Width: 1, Reg: 9},
		},
		{
			// sd x12: opcode 0x23, funct3 011, rs2 12
			name: "sd",
			inst: 0x23 | 3<<12 | 12<<20,
			want: MemAccess{Valid: true, Width: 8, Reg: 12, Write: true},
		},
		{name: "none", inst: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecodeMemAccess(tc.inst); got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestLegacySBIOption(t *testing.T) {
	plain := New(1, nil)
	if plain.LegacySBI() {
		t.Fatalf("legacy default on")
	}
	legacy := New(1, nil, WithLegacySBI())
	if !legacy.LegacySBI() {
		t.Fatalf("legacy option ignored")
	}

	before := legacy.SBICallCount()
	legacy.TLBInvalidateGuest(1)
	if legacy.SBICallCount() != before+1 {
		t.Fatalf("fence did not issue an sbi call")
	}
}
