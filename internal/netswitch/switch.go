// Package netswitch is the hypervisor-managed ethernet switch behind every
// virtio-net device: frames route by destination MAC to another VM's
// receive ring or to the uplink endpoint. Buffers are copied once; there is
// no shared memory between VMs.
package netswitch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/virtio"
)

// minFrame is the smallest frame carrying a full ethernet header.
const minFrame = 14

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Switch routes frames between VM ports and the uplink.
type Switch struct {
	log *slog.Logger

	mu     sync.RWMutex
	ports  map[[6]byte]*virtio.Net
	uplink *Uplink
}

// New builds an empty switch.
func New(logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{log: logger, ports: make(map[[6]byte]*virtio.Net)}
}

// Attach registers a VM port under its station address.
func (s *Switch) Attach(n *virtio.Net) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mac := n.MAC()
	if _, dup := s.ports[mac]; dup {
		return fmt.Errorf("netswitch: mac %02x: %w", mac, hv.ErrAlreadyExists)
	}
	s.ports[mac] = n
	return nil
}

// Detach removes a VM port (teardown, migration source).
func (s *Switch) Detach(n *virtio.Net) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, n.MAC())
}

// SetUplink connects the switch to the host-side endpoint.
func (s *Switch) SetUplink(u *Uplink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uplink = u
	u.deliver = s.fromUplink
}

// Transmit implements virtio.NetBackend: one guest frame enters the
// fabric.
func (s *Switch) Transmit(src *virtio.Net, frame []byte) error {
	if len(frame) < minFrame {
		return fmt.Errorf("netswitch: runt frame (%d bytes): %w", len(frame), hv.ErrInvalidArgument)
	}
	var dst [6]byte
	copy(dst[:], frame[0:6])

	s.mu.RLock()
	port := s.ports[dst]
	uplink := s.uplink
	var flood []*virtio.Net
	if dst == broadcastMAC {
		for _, p := range s.ports {
			if p != src {
				flood = append(flood, p)
			}
		}
	}
	s.mu.RUnlock()

	switch {
	case dst == broadcastMAC:
		for _, p := range flood {
			if err := p.Deliver(frame); err != nil {
				s.log.Warn("netswitch: broadcast deliver", "err", err)
			}
		}
		if uplink != nil {
			uplink.Inject(frame)
		}
	case port != nil:
		return port.Deliver(frame)
	case uplink != nil:
		uplink.Inject(frame)
	default:
		// Unknown unicast with no uplink: drop, like a port with no
		// learned address.
	}
	return nil
}

// fromUplink routes a host-originated frame back to its VM port.
func (s *Switch) fromUplink(frame []byte) {
	if len(frame) < minFrame {
		return
	}
	var dst [6]byte
	copy(dst[:], frame[0:6])

	s.mu.RLock()
	port := s.ports[dst]
	var flood []*virtio.Net
	if dst == broadcastMAC {
		for _, p := range s.ports {
			flood = append(flood, p)
		}
	}
	s.mu.RUnlock()

	if dst == broadcastMAC {
		for _, p := range flood {
			if err := p.Deliver(frame); err != nil {
				s.log.Warn("netswitch: uplink broadcast", "err", err)
			}
		}
		return
	}
	if port != nil {
		if err := port.Deliver(frame); err != nil {
			s.log.Warn("netswitch: uplink deliver", "err", err)
		}
	}
}
