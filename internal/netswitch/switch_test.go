package netswitch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/virtio"
)

type memBuf []byte

func (m memBuf) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m[off:]), nil }
func (m memBuf) WriteAt(p []byte, off int64) (int, error) { return copy(m[off:], p), nil }

// port builds a virtio-net device with a ready receive ring so Deliver has
// somewhere to land frames.
type port struct {
	mem memBuf
	net *virtio.Net
	dev *virtio.MMIODevice
}

func newPort(t *testing.T, mac [6]byte, backend virtio.NetBackend) *port {
	t.Helper()
	mem := make(memBuf, 1<<16)
	n := virtio.NewNet(mac, backend)
	dev := virtio.NewMMIODevice(emudev.KindVirtioNet, 0x4000_3000, 48, mem, n)
	n.Attach(dev)
	dev.Interrupt = func(uint32) {}

	rx := dev.Queue(0)
	if err := rx.SetSize(8); err != nil {
		t.Fatalf("rx size: %v", err)
	}
	rx.DescAddr = 0x1000
	rx.AvailAddr = 0x2000
	rx.UsedAddr = 0x3000
	rx.Ready = true

	// Post one writable rx buffer.
	binary.LittleEndian.PutUint64(mem[0x1000:], 0x4000)
	binary.LittleEndian.PutUint32(mem[0x1008:], 2048)
	binary.LittleEndian.PutUint16(mem[0x100c:], 2) // device-writable
	binary.LittleEndian.PutUint16(mem[0x2002:], 1) // avail idx
	binary.LittleEndian.PutUint16(mem[0x2004:], 0) // head 0

	return &port{mem: mem, net: n, dev: dev}
}

// received returns the frame landed in the rx buffer, if any.
func (p *port) received() []byte {
	usedIdx := binary.LittleEndian.Uint16(p.mem[0x3002:])
	if usedIdx == 0 {
		return nil
	}
	length := binary.LittleEndian.Uint32(p.mem[0x3008:])
	if length <= 12 {
		return nil
	}
	return p.mem[0x4000+12 : 0x4000+int(length)]
}

func frameTo(dst, src [6]byte, payload []byte) []byte {
	f := make([]byte, 14+len(payload))
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	binary.BigEndian.PutUint16(f[12:14], 0x0800)
	copy(f[14:], payload)
	return f
}

func TestUnicastRouting(t *testing.T) {
	sw := New(nil)

	macA := [6]byte{0x52, 0x48, 0x59, 0x52, 0, 1}
	macB := [6]byte{0x52, 0x48, 0x59, 0x52, 0, 2}
	a := newPort(t, macA, sw)
	b := newPort(t, macB, sw)
	if err := sw.Attach(a.net); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if err := sw.Attach(b.net); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	frame := frameTo(macB, macA, []byte("cross-vm packet"))
	if err := sw.Transmit(a.net, frame); err != nil {
		t.Fatalf("transmit: %v", err)
	}

	got := b.received()
	if !bytes.Equal(got, frame) {
		t.Fatalf("b received %q", got)
	}
	if a.received() != nil {
		t.Fatalf("frame reflected to sender")
	}
}

func TestBroadcastFloodsAllButSender(t *testing.T) {
	sw := New(nil)
	macA := [6]byte{2, 0, 0, 0, 0, 1}
	macB := [6]byte{2, 0, 0, 0, 0, 2}
	macC := [6]byte{2, 0, 0, 0, 0, 3}
	a := newPort(t, macA, sw)
	b := newPort(t, macB, sw)
	c := newPort(t, macC, sw)
	for _, p := range []*port{a, b, c} {
		if err := sw.Attach(p.net); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}

	frame := frameTo(broadcastMAC, macA, []byte("arp who-has"))
	if err := sw.Transmit(a.net, frame); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if b.received() == nil || c.received() == nil {
		t.Fatalf("broadcast not flooded")
	}
	if a.received() != nil {
		t.Fatalf("broadcast reflected to sender")
	}
}

func TestDuplicateMACRejected(t *testing.T) {
	sw := New(nil)
	mac := [6]byte{2, 0, 0, 0, 0, 9}
	a := newPort(t, mac, sw)
	b := newPort(t, mac, sw)
	if err := sw.Attach(a.net); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := sw.Attach(b.net); err == nil {
		t.Fatalf("duplicate mac accepted")
	}
}

func TestRuntFrameRejected(t *testing.T) {
	sw := New(nil)
	mac := [6]byte{2, 0, 0, 0, 0, 1}
	a := newPort(t, mac, sw)
	if err := sw.Attach(a.net); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := sw.Transmit(a.net, []byte{1, 2, 3}); err == nil {
		t.Fatalf("runt frame accepted")
	}
}
