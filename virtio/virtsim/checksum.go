package virtsim

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/slackhq/nimbus/virtio"
)

const netHdrFNeedsCsum = unix.VIRTIO_NET_HDR_F_NEEDS_CSUM

// fillChecksum completes a partial checksum the way a checksum-offloading
// device would: fold the bytes from CsumStart onward, plus the IPv4 pseudo
// header when the frame is IPv4, and store the result CsumOffset bytes in.
func fillChecksum(hdr *virtio.NetHdr, frame []byte) {
	start := int(hdr.CsumStart)
	pos := start + int(hdr.CsumOffset)
	if start > len(frame) || pos+2 > len(frame) {
		return
	}

	frame[pos] = 0
	frame[pos+1] = 0

	payload := frame[start:]
	var sum uint16

	if len(frame) >= header.EthernetMinimumSize+header.IPv4MinimumSize &&
		binary.BigEndian.Uint16(frame[12:14]) == uint16(header.IPv4ProtocolNumber) {
		ip := header.IPv4(frame[header.EthernetMinimumSize:])
		sum = header.PseudoHeaderChecksum(
			tcpip.TransportProtocolNumber(ip.Protocol()),
			ip.SourceAddress(),
			ip.DestinationAddress(),
			uint16(len(payload)),
		)
	}

	sum = checksum.Checksum(payload, sum)
	cs := ^sum
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(frame[pos:], cs)
}
