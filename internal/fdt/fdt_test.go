package fdt

import (
	"encoding/binary"
	"testing"
)

func TestBuildHeader(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyString("compatible", "linux,dummy-virt")
	b.BeginNode("memory@80000000")
	b.AddPropertyString("device_type", "memory")
	b.AddPropertyU64Pair("reg", 0x8000_0000, 0x4000_0000)
	b.EndNode()
	b.EndNode()
	blob := b.Build()

	if got := binary.BigEndian.Uint32(blob[0:4]); got != magic {
		t.Fatalf("magic %x", got)
	}
	if got := binary.BigEndian.Uint32(blob[4:8]); got != uint32(len(blob)) {
		t.Fatalf("total size %d, blob %d", got, len(blob))
	}
	structOff := binary.BigEndian.Uint32(blob[8:12])
	stringsOff := binary.BigEndian.Uint32(blob[12:16])
	if structOff >= stringsOff || stringsOff > uint32(len(blob)) {
		t.Fatalf("block layout: struct %d strings %d", structOff, stringsOff)
	}
	if got := binary.BigEndian.Uint32(blob[structOff:]); got != tokenBegin {
		t.Fatalf("first token %x", got)
	}
}

func TestStringTableDeduplicates(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("interrupts", 1)
	b.AddPropertyU32("interrupts", 2)
	b.EndNode()
	b.Build()

	if len(b.strings) != len("interrupts")+1 {
		t.Fatalf("strings block %d bytes", len(b.strings))
	}
}

func TestPropertyAlignment(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyString("bootargs", "a") // 2 bytes, must pad to 4
	b.EndNode()
	if len(b.structure)%4 != 0 {
		t.Fatalf("structure unaligned: %d", len(b.structure))
	}
}
