package vnet

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/slackhq/nimbus/ifnet"
	"github.com/slackhq/nimbus/packet"
	"github.com/slackhq/nimbus/virtio"
)

// etherTypeVLAN is the 802.1Q tag protocol identifier.
const etherTypeVLAN = 0x8100

// etherVlanHdrLen is the length of an Ethernet header carrying one 802.1Q
// tag.
const etherVlanHdrLen = header.EthernetMinimumSize + 4

// Checksum field offsets within the transport headers, used by the
// offsets-based RX validation heuristic.
const (
	udpCsumFieldOffset = 6
	tcpCsumFieldOffset = 16
)

type rxQueueStats struct {
	rxPackets uint64
	rxBytes   uint64
	rxDrops   uint64
	rxCsum    uint64
	rxCsumErr uint64
}

// rxQueue is the receive half of one queue pair: the virtqueue, the polling
// agent's wake target and the counters only that agent updates.
type rxQueue struct {
	vqueue virtio.Queue
	waiter *virtio.Waiter
	cpu    int
	stats  rxQueueStats
}

func newRxQueue(q virtio.Queue, cpu int) *rxQueue {
	return &rxQueue{
		vqueue: q,
		waiter: virtio.NewWaiter(),
		cpu:    cpu,
	}
}

// receiver is the polling agent for one RX queue. It runs for the lifetime
// of the driver: wait for completions, drain them, refill the ring when it
// runs low, repeat.
func (n *Net) receiver(idx int) {
	rxq := n.rxq[idx]
	n.sched.Pin(rxq.cpu)
	vq := rxq.vqueue

	for {
		n.t.WaitForQueue(vq, virtio.UsedRingNotEmpty, rxq.waiter)

		var rxDrops, rxPackets, csumOK, csumErr, rxBytes uint64

		cookie, length, ok := vq.GetBufElem()
		for ok {
			vq.GetBufFinalize()
			m := cookie.(*packet.Packet)

			// Bad packet/buffer - discard and continue to the next one.
			if int(length) < n.hdrSize+header.EthernetMinimumSize {
				rxDrops++
				m.Release()

				cookie, length, ok = vq.GetBufElem()
				continue
			}

			// Copy the header out of the buffer before the chain is
			// truncated past it.
			var mhdr virtio.NetHdr
			if err := mhdr.Decode(m.Head(), n.hdrSize); err != nil {
				rxDrops++
				m.Release()

				cookie, length, ok = vq.GetBufElem()
				continue
			}

			nbufs := 1
			if n.mergeableBufs {
				nbufs = int(mhdr.NumBuffers)
			}

			m.SetFragLen(0, int(length))
			m.Hdr.TotalLen = int(length)
			m.Hdr.RcvIf = n.ifn
			m.Hdr.CsumFlags = 0

			mHead, missing := n.chainFragments(vq, m, nbufs)
			if missing {
				rxDrops++
				mHead.Release()

				cookie, length, ok = vq.GetBufElem()
				continue
			}

			// Skip over the virtio header bytes that aren't needed for the
			// above layer.
			mHead.Adjust(n.hdrSize)

			if n.ifn.CapEnable&ifnet.CapRxCsum != 0 && mhdr.Flags&unix.VIRTIO_NET_HDR_F_NEEDS_CSUM != 0 {
				if n.badRxCsum(mHead, &mhdr) {
					csumErr++
				} else {
					csumOK++
				}
			}

			rxPackets++
			rxBytes += uint64(mHead.Hdr.TotalLen)

			fastPath := n.ifn.Classifier != nil && n.ifn.Classifier.PostPacket(mHead)
			if !fastPath {
				n.ifn.Input(n.ifn, mHead)
			}

			// The interface may have been stopped while we were passing the
			// packet up the network stack.
			if !n.ifn.DrvRunning() {
				break
			}

			// Move to the next packet.
			cookie, length, ok = vq.GetBufElem()
		}

		if vq.RefillRingCond() {
			n.fillRxRing(idx)
		}

		rxq.stats.rxDrops += rxDrops
		rxq.stats.rxPackets += rxPackets
		rxq.stats.rxCsum += csumOK
		rxq.stats.rxCsumErr += csumErr
		rxq.stats.rxBytes += rxBytes
	}
}

// chainFragments pulls nbufs-1 further completions off the queue and chains
// their buffers onto head as tail fragments. It reports whether a chained
// completion was missing, in which case reassembly stops and the caller
// drops the partial packet.
func (n *Net) chainFragments(vq virtio.Queue, head *packet.Packet, nbufs int) (*packet.Packet, bool) {
	for nbufs--; nbufs > 0; nbufs-- {
		cookie, length, ok := vq.GetBufElem()
		if !ok {
			return head, true
		}
		vq.GetBufFinalize()

		frag := cookie.(*packet.Packet)
		frag.SetFragLen(0, int(length))

		buf, pooled := frag.TakeHeadFrag()
		if pooled {
			head.AppendPooled(buf)
		} else {
			head.Append(buf)
		}
		head.Hdr.TotalLen += len(buf)
		frag.Release()
	}
	return head, false
}

// badRxCsum validates a receive checksum without parsing the frame down to
// the transport payload: the header's checksum offsets are unique for the
// protocols we care about, so they select the validation rule.
//
// It returns true when the checksum is bad and false when it is ok.
func (n *Net) badRxCsum(m *packet.Packet, hdr *virtio.NetHdr) bool {
	csumLen := int(hdr.CsumStart) + int(hdr.CsumOffset)

	if csumLen < header.EthernetMinimumSize+header.IPv4MinimumSize {
		return true
	}
	linear := m.Head()
	if len(linear) < csumLen {
		return true
	}

	eth := header.Ethernet(linear)
	ethType := uint16(eth.Type())
	if ethType == etherTypeVLAN {
		if len(linear) < etherVlanHdrLen {
			return true
		}
		ethType = binary.BigEndian.Uint16(linear[etherVlanHdrLen-2 : etherVlanHdrLen])
	}

	if ethType != uint16(header.IPv4ProtocolNumber) {
		return true
	}

	// Use the offset to determine the appropriate validation rule.
	switch hdr.CsumOffset {
	case udpCsumFieldOffset:
		if len(linear) < int(hdr.CsumStart)+header.UDPMinimumSize {
			return true
		}
		udp := header.UDP(linear[hdr.CsumStart:])
		if udp.Checksum() == 0 {
			// A zero UDP checksum over IPv4 means "not computed".
			return false
		}
		fallthrough

	case tcpCsumFieldOffset:
		m.Hdr.CsumFlags |= packet.CsumDataValid | packet.CsumPseudoHdr
		m.Hdr.CsumData = 0xffff

	default:
		return true
	}

	return false
}

// fillRxRing posts fresh cluster buffers until the ring stops accepting
// them, then kicks once when anything was added.
func (n *Net) fillRxRing(idx int) {
	vq := n.rxq[idx].vqueue
	added := 0

	for vq.AvailRingNotEmpty() {
		m := packet.Get()

		vq.InitSG()
		vq.AddInSG(m.Head())
		if !vq.AddBuf(m) {
			m.Release()
			break
		}
		added++
	}

	n.l.WithFields(logrus.Fields{"queue": idx, "added": added}).Trace("virtio-net rx ring refilled")

	if added > 0 {
		vq.Kick()
	}
}
