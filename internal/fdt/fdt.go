// Package fdt builds the Flattened Device Tree blobs handed to guests.
// The lifecycle manager patches per-VM nodes (memory, chosen, virtio
// transports, passthrough devices) into a minimal tree at boot.
package fdt

import "encoding/binary"

const (
	magic         = 0xd00dfeed
	version       = 17
	lastCompat    = 16
	tokenBegin    = 0x00000001
	tokenEnd      = 0x00000002
	tokenProp     = 0x00000003
	tokenEndTree  = 0x00000009
	headerSize    = 40
	memRsvmapSize = 16 // empty reservation map terminator
)

// Builder accumulates one device tree's structure and strings blocks.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{stringOff: make(map[string]uint32)}
}

// BeginNode opens a node. The root node uses the empty name.
func (b *Builder) BeginNode(name string) {
	b.u32(tokenBegin)
	b.structure = append(b.structure, name...)
	b.structure = append(b.structure, 0)
	b.pad()
}

// EndNode closes the current node.
func (b *Builder) EndNode() {
	b.u32(tokenEnd)
}

func (b *Builder) prop(name string, value []byte) {
	b.u32(tokenProp)
	b.u32(uint32(len(value)))
	b.u32(b.stringIndex(name))
	b.structure = append(b.structure, value...)
	b.pad()
}

// AddPropertyEmpty adds a boolean (presence-only) property.
func (b *Builder) AddPropertyEmpty(name string) {
	b.prop(name, nil)
}

// AddPropertyString adds a NUL-terminated string property.
func (b *Builder) AddPropertyString(name, value string) {
	b.prop(name, append([]byte(value), 0))
}

// AddPropertyU32 adds one big-endian cell.
func (b *Builder) AddPropertyU32(name string, value uint32) {
	b.AddPropertyU32Array(name, []uint32{value})
}

// AddPropertyU32Array adds a cell array (interrupt specifiers and the
// like).
func (b *Builder) AddPropertyU32Array(name string, values []uint32) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[4*i:], v)
	}
	b.prop(name, buf)
}

// AddPropertyU64 adds one 64-bit value.
func (b *Builder) AddPropertyU64(name string, value uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	b.prop(name, buf)
}

// AddPropertyU64Pair adds an address/size pair ("reg" with 2-cell address
// and size).
func (b *Builder) AddPropertyU64Pair(name string, addr, size uint64) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], addr)
	binary.BigEndian.PutUint64(buf[8:], size)
	b.prop(name, buf)
}

// AddPropertyBytes adds a raw property.
func (b *Builder) AddPropertyBytes(name string, data []byte) {
	b.prop(name, data)
}

// Build terminates the structure block and assembles the blob.
func (b *Builder) Build() []byte {
	b.u32(tokenEndTree)

	structOff := uint32(headerSize + memRsvmapSize)
	stringsOff := structOff + uint32(len(b.structure))
	total := stringsOff + uint32(len(b.strings))

	blob := make([]byte, total)
	binary.BigEndian.PutUint32(blob[0:], magic)
	binary.BigEndian.PutUint32(blob[4:], total)
	binary.BigEndian.PutUint32(blob[8:], structOff)
	binary.BigEndian.PutUint32(blob[12:], stringsOff)
	binary.BigEndian.PutUint32(blob[16:], headerSize)
	binary.BigEndian.PutUint32(blob[20:], version)
	binary.BigEndian.PutUint32(blob[24:], lastCompat)
	binary.BigEndian.PutUint32(blob[28:], 0) // boot cpu
	binary.BigEndian.PutUint32(blob[32:], uint32(len(b.strings)))
	binary.BigEndian.PutUint32(blob[36:], uint32(len(b.structure)))
	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)
	return blob
}

func (b *Builder) u32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure = append(b.structure, buf[:]...)
}

func (b *Builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) stringIndex(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
