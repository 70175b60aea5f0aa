package nimbus

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/slackhq/nimbus/ifnet"
	"github.com/slackhq/nimbus/packet"
	"github.com/slackhq/nimbus/vnet"
)

// Bridge glues an attached net driver to a gVisor network stack through a
// channel link endpoint: received packets are injected inbound, stack output
// is handed to the driver's transmit hook.
type Bridge struct {
	l *logrus.Logger

	Net   *vnet.Net
	Stack *stack.Stack
	Link  *channel.Endpoint

	NICID tcpip.NICID
}

// notification moves stack output into the driver when the link endpoint
// has packets to read.
type notification struct {
	b *Bridge
}

func (n *notification) WriteNotify() {
	n.b.pump()
}

// NewBridge builds a stack on top of the driver's interface and wires both
// directions.
func NewBridge(l *logrus.Logger, n *vnet.Net, addr string) (*Bridge, error) {
	ifn := n.Interface()

	b := &Bridge{
		l:     l,
		Net:   n,
		NICID: tcpip.NICID(ifn.Unit + 1),
	}

	b.Stack = stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			icmp.NewProtocol4,
			udp.NewProtocol,
		},
	})

	linkAddr, err := tcpip.ParseMACAddress(ifn.MAC.String())
	if err != nil {
		return nil, fmt.Errorf("parse mac: %w", err)
	}

	b.Link = channel.New(256, uint32(ifn.MTU+header.EthernetMinimumSize), linkAddr)
	b.Link.LinkEPCapabilities |= stack.CapabilityResolutionRequired

	if tcpipErr := b.Stack.CreateNIC(b.NICID, b.Link); tcpipErr != nil {
		return nil, fmt.Errorf("create nic: %v", tcpipErr)
	}

	ipAddr, ipErr := parseAddrWithPrefix(addr)
	if ipErr != nil {
		return nil, ipErr
	}
	protocolAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: ipAddr,
	}
	if tcpipErr := b.Stack.AddProtocolAddress(b.NICID, protocolAddr, stack.AddressProperties{}); tcpipErr != nil {
		return nil, fmt.Errorf("add address: %v", tcpipErr)
	}

	b.Stack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: b.NICID},
	})

	ifn.Input = b.input
	b.Link.AddNotify(&notification{b: b})

	return b, nil
}

// input is the driver's slow-path packet delivery.
func (b *Bridge) input(ifp *ifnet.Interface, m *packet.Packet) {
	defer m.Release()

	if m.Hdr.TotalLen < header.EthernetMinimumSize {
		return
	}

	frame := make([]byte, 0, m.Hdr.TotalLen)
	for i := 0; i < m.NumFrags(); i++ {
		frame = append(frame, m.Frag(i)...)
	}

	hdr := frame[:header.EthernetMinimumSize]
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[header.EthernetMinimumSize:]

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: len(hdr),
		Payload:            buffer.MakeWithData(payload),
	})
	copy(pkt.LinkHeader().Push(len(hdr)), hdr)

	b.Link.InjectInbound(proto, pkt)
	pkt.DecRef()
}

// pump drains the link endpoint into the driver.
func (b *Bridge) pump() {
	for {
		pkt := b.Link.Read()
		if pkt == nil {
			return
		}

		frame := make([]byte, 0, header.EthernetMinimumSize+pkt.Size())
		frame = append(frame, pkt.EgressRoute.RemoteLinkAddress...)
		frame = append(frame, b.Net.Interface().MAC...)
		frame = binary.BigEndian.AppendUint16(frame, uint16(pkt.NetworkProtocolNumber))
		for _, v := range pkt.AsSlices() {
			frame = append(frame, v...)
		}
		pkt.DecRef()

		m := packet.FromBytes(frame)
		ifn := b.Net.Interface()
		if err := ifn.Transmit(ifn, m); err != nil {
			b.l.WithError(err).Debug("bridge transmit failed")
		}
	}
}

func parseAddrWithPrefix(addr string) (tcpip.AddressWithPrefix, error) {
	var ip [4]byte
	var prefix int
	if _, err := fmt.Sscanf(addr, "%d.%d.%d.%d/%d", &ip[0], &ip[1], &ip[2], &ip[3], &prefix); err != nil {
		return tcpip.AddressWithPrefix{}, fmt.Errorf("parse address %q: %w", addr, err)
	}
	return tcpip.AddressWithPrefix{
		Address:   tcpip.AddrFrom4(ip),
		PrefixLen: prefix,
	}, nil
}
