package virtio

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Workaround to make Go doc links work.
var _ unix.Errno

// NetHdrSize is the number of bytes of a virtio_net_hdr on the wire.
// NetHdrMrgRxbufSize is the size when FeatureNetMergeRXBuffers is negotiated
// and the num_buffers field is present.
const (
	NetHdrSize         = 10
	NetHdrMrgRxbufSize = 12
)

// ErrNetHdrBufferTooSmall is returned when a buffer is too small to fit a
// virtio_net_hdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// NetHdr defines the virtio_net_hdr as described by the virtio
// specification. It is prepended to every packet that crosses a net
// virtqueue. Byte order is guest-native.
type NetHdr struct {
	// Flags that describe the packet.
	// Possible values are:
	//   - [unix.VIRTIO_NET_HDR_F_NEEDS_CSUM]
	//   - [unix.VIRTIO_NET_HDR_F_DATA_VALID]
	Flags uint8
	// GSOType contains the type of segmentation offload that should be used
	// for the packet.
	// Possible values are:
	//   - [unix.VIRTIO_NET_HDR_GSO_NONE]
	//   - [unix.VIRTIO_NET_HDR_GSO_TCPV4]
	//   - [unix.VIRTIO_NET_HDR_GSO_UDP]
	//   - [unix.VIRTIO_NET_HDR_GSO_TCPV6]
	//   - [unix.VIRTIO_NET_HDR_GSO_ECN]
	GSOType uint8
	// HdrLen contains the length of the headers that need to be replicated
	// by segmentation offloads. It's the number of bytes from the beginning
	// of the packet to the beginning of the transport payload.
	HdrLen uint16
	// GSOSize contains the maximum size of each segmented packet beyond the
	// header (payload size). In case of TCP, this is the MSS.
	GSOSize uint16
	// CsumStart contains the offset within the packet from which on the
	// checksum should be computed.
	CsumStart uint16
	// CsumOffset specifies how many bytes after [NetHdr.CsumStart] the
	// computed 16-bit checksum should be inserted.
	CsumOffset uint16
	// NumBuffers contains the number of merged descriptor chains when
	// FeatureNetMergeRXBuffers is negotiated. Only present on the wire when
	// the header size is NetHdrMrgRxbufSize, and only used for packets
	// received by the driver.
	NumBuffers uint16
}

// Decode decodes the [NetHdr] from the given byte slice. hdrSize selects the
// on-wire layout and must be NetHdrSize or NetHdrMrgRxbufSize; the slice must
// contain at least that many bytes.
func (v *NetHdr) Decode(data []byte, hdrSize int) error {
	if len(data) < hdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(v)), hdrSize), data[:hdrSize])
	return nil
}

// Encode encodes the [NetHdr] into the given byte slice using the selected
// on-wire layout. The slice must have room for at least hdrSize bytes.
func (v *NetHdr) Encode(data []byte, hdrSize int) error {
	if len(data) < hdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(data[:hdrSize], unsafe.Slice((*byte)(unsafe.Pointer(v)), hdrSize))
	return nil
}
