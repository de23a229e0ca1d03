package vmm

import (
	"sync"

	"github.com/tinyrange/shyr/internal/emudev"
	"github.com/tinyrange/shyr/internal/hv"
)

// serviceChannel is the hypervisor service doorbell device. The MVM's
// kernel module maps it to exchange event notifications with the
// hypervisor without a full virtio transport: writes latch a doorbell
// word, reads return and clear it.
type serviceChannel struct {
	base uint64
	size uint64

	mu       sync.Mutex
	doorbell uint64

	// Notify fires on every doorbell write.
	Notify func(val uint64)
}

func (s *serviceChannel) Kind() emudev.Kind { return emudev.KindService }

func (s *serviceChannel) Region() hv.MMIORegion {
	size := s.size
	if size == 0 {
		size = 0x1000
	}
	return hv.MMIORegion{Address: s.base, Size: size}
}

func (s *serviceChannel) HandleRead(addr uint64, width int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := s.doorbell
	s.doorbell = 0
	return val, nil
}

func (s *serviceChannel) HandleWrite(addr uint64, width int, val uint64) error {
	s.mu.Lock()
	s.doorbell = val
	fn := s.Notify
	s.mu.Unlock()
	if fn != nil {
		fn(val)
	}
	return nil
}

var _ emudev.Handler = (*serviceChannel)(nil)
