package netswitch

import (
	"context"
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const uplinkNICID tcpip.NICID = 1

// uplinkMAC is the host-side station address guests talk to.
var uplinkMAC = net.HardwareAddr{0x02, 0x52, 0x48, 0x59, 0x52, 0x01}

// Uplink is the host-side endpoint of the switch: a netstack instance
// addressed as the gateway, reachable from every VM port. Host services
// (console channels, the DNS responder, test harnesses) listen on it
// through gonet.
type Uplink struct {
	stack  *stack.Stack
	ch     *channel.Endpoint
	hostIP net.IP

	cancel  context.CancelFunc
	deliver func(frame []byte)
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("netswitch: %v is not IPv4", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// NewUplink builds the gateway endpoint at hostIP/prefix.
func NewUplink(hostIP net.IP, prefixLen int) (*Uplink, error) {
	addr, err := addrFrom4(hostIP)
	if err != nil {
		return nil, err
	}

	// The channel MTU is L2; ethernet.Endpoint strips the header for L3.
	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(uplinkMAC)))
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if tcpipErr := s.CreateNIC(uplinkNICID, ethernet.New(ch)); tcpipErr != nil {
		return nil, fmt.Errorf("netswitch: create uplink nic: %s", tcpipErr)
	}
	if tcpipErr := s.AddProtocolAddress(uplinkNICID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: prefixLen},
	}, stack.AddressProperties{}); tcpipErr != nil {
		return nil, fmt.Errorf("netswitch: uplink address: %s", tcpipErr)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: uplinkNICID},
	})

	ctx, cancel := context.WithCancel(context.Background())
	u := &Uplink{stack: s, ch: ch, hostIP: hostIP, cancel: cancel}

	go func() {
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			if u.deliver != nil {
				u.deliver(frame)
			}
		}
	}()
	return u, nil
}

// Close stops the endpoint.
func (u *Uplink) Close() error {
	u.cancel()
	u.ch.Close()
	return nil
}

// Inject feeds one guest-originated ethernet frame into the host stack.
func (u *Uplink) Inject(frame []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the L2 header from the packet
	// contents; the protocol argument is ignored.
	u.ch.InjectInbound(0, pkt)
}

// ListenTCP opens a host-side listener guests can connect to.
func (u *Uplink) ListenTCP(port uint16) (net.Listener, error) {
	addr, err := addrFrom4(u.hostIP)
	if err != nil {
		return nil, err
	}
	l, err := gonet.ListenTCP(u.stack, tcpip.FullAddress{
		NIC:  uplinkNICID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netswitch: listen tcp %d: %w", port, err)
	}
	return l, nil
}

// ListenUDP opens a host-side packet socket (the DNS responder binds 53).
func (u *Uplink) ListenUDP(port uint16) (net.PacketConn, error) {
	addr, err := addrFrom4(u.hostIP)
	if err != nil {
		return nil, err
	}
	c, err := gonet.DialUDP(u.stack, &tcpip.FullAddress{
		NIC:  uplinkNICID,
		Addr: addr,
		Port: port,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netswitch: listen udp %d: %w", port, err)
	}
	return c, nil
}
