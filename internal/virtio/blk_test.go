package virtio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
)

func newTestBlk(t *testing.T) (*BlkMediated, *MMIODevice, *MediatedRing, *testRing, memBuf) {
	t.Helper()
	mem := make(memBuf, 1<<16)

	region := make([]byte, MediatedRingSize(16))
	ring, err := NewMediatedRing(region, 16)
	if err != nil {
		t.Fatalf("mediated ring: %v", err)
	}

	blk := NewBlkMediated(BlkConfig{
		VMID:            1,
		DevID:           0,
		Ring:            ring,
		CapacitySectors: 2048,
		Validate: func(addr uint64, length uint32) error {
			if addr+uint64(length) > uint64(len(mem)) {
				return hv.ErrPermissionDenied
			}
			return nil
		},
		// Identity translation: the test address space is flat.
		Translate: func(ipa uint64) (uint64, error) { return ipa, nil },
	})
	dev := NewMMIODevice(emudev.KindVirtioBlkMediated, 0x4000_2000, 47, mem, blk)
	blk.Attach(dev)
	dev.Interrupt = func(uint32) {}

	q := dev.Queue(0)
	if err := q.SetSize(queueSize); err != nil {
		t.Fatalf("set size: %v", err)
	}
	q.DescAddr = descTableAddr
	q.AvailAddr = availAddr
	q.UsedAddr = usedAddr
	q.Ready = true

	return blk, dev, ring, &testRing{mem: mem, q: q}, mem
}

// pushBlkRequest builds a read/write request chain: header, one data
// buffer, status byte.
func pushBlkRequest(t *testing.T, r *testRing, mem memBuf, reqType uint32, sector uint64, dataLen uint32) uint16 {
	t.Helper()
	const hdrAddr = 0x5000
	const statusAddr = 0x5100
	binary.LittleEndian.PutUint32(mem[hdrAddr:], reqType)
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:], sector)

	return r.pushChain(t, []Buffer{
		{Addr: hdrAddr, Length: blkReqHeaderSize},
		{Addr: bufAddr, Length: dataLen, IsWrite: reqType == blkReqIn},
		{Addr: statusAddr, Length: 1, IsWrite: true},
	})
}

// TestBlkMediatedRoundTrip covers the full mediated path: guest kick,
// request record toward the MVM, completion record back, used-ring entry
// and completion wake.
func TestBlkMediatedRoundTrip(t *testing.T) {
	blk, dev, ring, r, mem := newTestBlk(t)

	woken := false
	blk.OnComplete = func() { woken = true }

	head := pushBlkRequest(t, r, mem, blkReqIn, 4, 512)
	if err := dev.HandleWrite(0x4000_2000+regQueueNotify, 4, 0); err != nil {
		t.Fatalf("notify: %v", err)
	}

	// The hypervisor posted one mediated request.
	var req MediatedRecord
	if !ring.PopRequest(&req) {
		t.Fatalf("no mediated request")
	}
	if req.Op != MediatedOpRead || req.VMID != 1 || req.Offset != 4*blkSectorSize || req.Len != 512 {
		t.Fatalf("request %+v", req)
	}
	if blk.InFlight() != 1 {
		t.Fatalf("in flight %d", blk.InFlight())
	}

	// The MVM completes it.
	comp := req
	comp.Status = MediatedStatusOK
	if err := ring.PushCompletion(&comp); err != nil {
		t.Fatalf("completion: %v", err)
	}
	if err := blk.DrainCompletions(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if r.usedIdx() != 1 {
		t.Fatalf("used idx %d", r.usedIdx())
	}
	h, l := r.usedEntry(t, 0)
	if h != head || l != 512+1 {
		t.Fatalf("used entry (%d, %d)", h, l)
	}
	if mem[0x5100] != blkStatusOK {
		t.Fatalf("status byte %d", mem[0x5100])
	}
	if !woken {
		t.Fatalf("completion did not wake")
	}
	if blk.InFlight() != 0 {
		t.Fatalf("still in flight")
	}
}

func TestBlkMediatedErrorStatus(t *testing.T) {
	blk, dev, ring, r, mem := newTestBlk(t)

	pushBlkRequest(t, r, mem, blkReqOut, 0, 512)
	if err := dev.HandleWrite(0x4000_2000+regQueueNotify, 4, 0); err != nil {
		t.Fatalf("notify: %v", err)
	}

	var req MediatedRecord
	if !ring.PopRequest(&req) {
		t.Fatalf("no mediated request")
	}
	req.Status = MediatedStatusError
	if err := ring.PushCompletion(&req); err != nil {
		t.Fatalf("completion: %v", err)
	}
	if err := blk.DrainCompletions(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if mem[0x5100] != blkStatusIOErr {
		t.Fatalf("status byte %d, want IOERR", mem[0x5100])
	}
}

// TestBlkDescriptorBounds checks that a descriptor pointing outside guest
// memory is rejected before any mediated record is posted.
func TestBlkDescriptorBounds(t *testing.T) {
	_, dev, ring, r, mem := newTestBlk(t)

	const hdrAddr = 0x5000
	binary.LittleEndian.PutUint32(mem[hdrAddr:], blkReqOut)
	r.pushChain(t, []Buffer{
		{Addr: hdrAddr, Length: blkReqHeaderSize},
		{Addr: 0xffff_0000, Length: 4096}, // outside guest memory
		{Addr: 0x5100, Length: 1, IsWrite: true},
	})

	err := dev.HandleWrite(0x4000_2000+regQueueNotify, 4, 0)
	if !errors.Is(err, hv.ErrPermissionDenied) {
		t.Fatalf("notify: %v, want PermissionDenied", err)
	}
	var req MediatedRecord
	if ring.PopRequest(&req) {
		t.Fatalf("request escaped validation: %+v", req)
	}
}

func TestMediatedRingWrapAndFull(t *testing.T) {
	region := make([]byte, MediatedRingSize(4))
	ring, err := NewMediatedRing(region, 4)
	if err != nil {
		t.Fatalf("ring: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := ring.PushRequest(&MediatedRecord{Tag: uint64(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := ring.PushRequest(&MediatedRecord{Tag: 99}); !errors.Is(err, hv.ErrDeviceBusy) {
		t.Fatalf("push to full ring: %v", err)
	}

	var rec MediatedRecord
	for i := 0; i < 4; i++ {
		if !ring.PopRequest(&rec) {
			t.Fatalf("pop %d", i)
		}
		if rec.Tag != uint64(i) {
			t.Fatalf("pop order: tag %d at %d", rec.Tag, i)
		}
	}
	if ring.PopRequest(&rec) {
		t.Fatalf("pop from empty ring")
	}

	// The MVM side attaches to the same formatted region.
	peer, err := OpenMediatedRing(region)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := peer.PushCompletion(&MediatedRecord{Tag: 7, Status: MediatedStatusOK}); err != nil {
		t.Fatalf("peer completion: %v", err)
	}
	if !ring.PopCompletion(&rec) || rec.Tag != 7 {
		t.Fatalf("completion round trip: %+v", rec)
	}
}
