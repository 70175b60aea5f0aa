package vnet

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/slackhq/nimbus/packet"
	"github.com/slackhq/nimbus/virtio"
)

type txQueueStats struct {
	txPackets uint64
	txBytes   uint64
	txDrops   uint64
	txErr     uint64
	txCsum    uint64
	txTso     uint64
}

// txQueue is the transmit half of one queue pair. Its counters are only
// updated while the TX ring lock is held.
type txQueue struct {
	vqueue virtio.Queue
	stats  txQueueStats
}

func newTxQueue(q virtio.Queue) *txQueue {
	return &txQueue{vqueue: q}
}

// netReq owns one outgoing packet for the lifetime of its ring occupancy.
// The embedded header is what the device reads as the first out-descriptor.
// The record is alive from AddBuf until TxGC destroys it.
type netReq struct {
	m      *packet.Packet
	hdr    virtio.NetHdr
	hdrBuf [virtio.NetHdrMrgRxbufSize]byte
}

func (r *netReq) release() {
	if r.m != nil {
		r.m.Release()
		r.m = nil
	}
}

// TxLocked submits one packet on the given TX queue. The caller must hold
// the TX ring lock and, on success, ring the doorbell for queue 2*idx+1
// after releasing it.
func (n *Net) TxLocked(idx int, m *packet.Packet, flush bool) error {
	req := &netReq{m: m}
	txq := n.txq[idx]
	vq := txq.vqueue
	stats := &txq.stats

	if m.Hdr.CsumFlags != 0 {
		if m = n.txOffload(m, &req.hdr); m == nil {
			// The buffer is not well-formed. txOffload already released it.
			req.m = nil
			stats.txErr++
			return virtio.ErrInvalidPacket
		}
		req.m = m
	}

	var txBytes uint64
	fragCount := uint16(0)
	for i := 0; i < m.NumFrags(); i++ {
		if len(m.Frag(i)) != 0 {
			fragCount++
			txBytes += uint64(len(m.Frag(i)))
		}
	}
	req.hdr.NumBuffers = fragCount

	vq.InitSG()
	if err := req.hdr.Encode(req.hdrBuf[:], n.hdrSize); err != nil {
		req.release()
		stats.txErr++
		return virtio.ErrInvalidPacket
	}
	vq.AddOutSG(req.hdrBuf[:n.hdrSize])
	for i := 0; i < m.NumFrags(); i++ {
		if frag := m.Frag(i); len(frag) != 0 {
			vq.AddOutSG(frag)
		}
	}

	if !vq.AvailRingHasRoom(vq.SGCount()) {
		if vq.UsedRingNotEmpty() {
			n.l.Debug("virtio-net: tx no space, running gc")
			n.TxGC(idx)
		} else {
			n.l.Debug("virtio-net: tx no room")
			req.release()
			stats.txDrops++
			return virtio.ErrNoBufferSpace
		}
	}

	if !vq.AddBuf(req) {
		n.l.Debug("virtio-net: tx failed to add buffer")
		req.release()
		stats.txDrops++
		return virtio.ErrNoBufferSpace
	}

	stats.txBytes += txBytes
	stats.txPackets++

	if req.hdr.Flags&unix.VIRTIO_NET_HDR_F_NEEDS_CSUM != 0 {
		stats.txCsum++
	}
	if req.hdr.GSOType != unix.VIRTIO_NET_HDR_GSO_NONE {
		stats.txTso++
	}

	return nil
}

// txOffload populates the virtio header for a packet that carries checksum
// or segmentation requests by inspecting its L2/L3/L4 headers. It returns
// the (possibly re-linearised) packet, or nil when the packet cannot be
// offloaded and was freed.
func (n *Net) txOffload(m *packet.Packet, hdr *virtio.NetHdr) *packet.Packet {
	ipOffset := header.EthernetMinimumSize
	if len(m.Head()) < ipOffset {
		if err := m.Pullup(ipOffset); err != nil {
			m.Release()
			return nil
		}
	}

	eth := header.Ethernet(m.Head())
	ethType := uint16(eth.Type())
	if ethType == etherTypeVLAN {
		ipOffset = etherVlanHdrLen
		if len(m.Head()) < ipOffset {
			if err := m.Pullup(ipOffset); err != nil {
				m.Release()
				return nil
			}
		}
		linear := m.Head()
		ethType = uint16(linear[etherVlanHdrLen-2])<<8 | uint16(linear[etherVlanHdrLen-1])
	}

	if ethType != uint16(header.IPv4ProtocolNumber) {
		// Not offloadable; the device treats the packet as plain data.
		return m
	}

	if len(m.Head()) < ipOffset+header.IPv4MinimumSize {
		if err := m.Pullup(ipOffset + header.IPv4MinimumSize); err != nil {
			m.Release()
			return nil
		}
	}

	ip := header.IPv4(m.Head()[ipOffset:])
	ipProto := ip.Protocol()
	csumStart := ipOffset + int(ip.HeaderLength())
	gsoType := uint8(unix.VIRTIO_NET_HDR_GSO_TCPV4)

	if m.Hdr.CsumFlags&(packet.CsumTCP|packet.CsumUDP) != 0 {
		hdr.Flags |= unix.VIRTIO_NET_HDR_F_NEEDS_CSUM
		hdr.CsumStart = uint16(csumStart)
		hdr.CsumOffset = m.Hdr.CsumData
	}

	if m.Hdr.CsumFlags&packet.CsumTSO != 0 {
		if ipProto != uint8(header.TCPProtocolNumber) {
			// The device will not segment non-TCP payloads.
			return m
		}

		if len(m.Head()) < csumStart+header.TCPMinimumSize {
			if err := m.Pullup(csumStart + header.TCPMinimumSize); err != nil {
				m.Release()
				return nil
			}
		}

		tcp := header.TCP(m.Head()[csumStart:])
		hdr.GSOType = gsoType
		hdr.HdrLen = uint16(csumStart + int(tcp.DataOffset()))
		hdr.GSOSize = m.Hdr.TsoSegsz

		if tcp.Flags()&header.TCPFlagCwr != 0 {
			if !n.tsoECN {
				n.l.Warn("virtio-net: TSO with ECN not supported by host")
				m.Release()
				return nil
			}
			hdr.GSOType |= unix.VIRTIO_NET_HDR_GSO_ECN
		}
	}

	return m
}

// PickTxq selects the transmit queue for a packet: the current CPU's id,
// bounded by the number of queue pairs, so callers on a given CPU do not
// contend on distant queues.
func (n *Net) PickTxq(m *packet.Packet) int {
	idx := n.sched.CurrentCPU()
	if idx >= len(n.txq) {
		idx %= len(n.txq)
	}
	return idx
}

// TxGC reclaims every completed transmit: each finished request record is
// destroyed, which releases the outgoing packet chain and the header. The
// caller must hold the TX ring lock.
func (n *Net) TxGC(idx int) {
	vq := n.txq[idx].vqueue

	for {
		cookie, _, ok := vq.GetBufElem()
		if !ok {
			break
		}
		req := cookie.(*netReq)
		req.release()
		vq.GetBufFinalize()
	}
	vq.GetBufGC()
}
