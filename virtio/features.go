package virtio

import "strings"

// Feature contains feature bits that describe a virtio device or driver.
// The legacy ("ABI version 0") transport exchanges a single 32-bit bitmap.
type Feature uint32

// Device-independent feature bits.
const (
	// FeatureRingIndirectDesc indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureRingIndirectDesc Feature = 1 << 28

	// FeatureRingEventIdx indicates that the used_event/avail_event fields
	// are in use for interrupt and kick suppression.
	FeatureRingEventIdx Feature = 1 << 29
)

// Feature bits for networking devices.
const (
	// FeatureNetCsum indicates that the device can handle packets with
	// partial checksum (checksum offload).
	FeatureNetCsum Feature = 1 << 0

	// FeatureNetGuestCsum indicates that the driver can handle packets with
	// partial checksum.
	FeatureNetGuestCsum Feature = 1 << 1

	// FeatureNetMAC indicates that the device provides a MAC address.
	FeatureNetMAC Feature = 1 << 5

	// FeatureNetGuestTSO4 indicates that the driver can receive TSOv4
	// frames.
	FeatureNetGuestTSO4 Feature = 1 << 7

	// FeatureNetGuestECN indicates that the driver can receive TSO frames
	// with ECN.
	FeatureNetGuestECN Feature = 1 << 9

	// FeatureNetGuestUFO indicates that the driver can receive UFO frames.
	FeatureNetGuestUFO Feature = 1 << 10

	// FeatureNetHostTSO4 indicates that the device can segment TSOv4 frames.
	FeatureNetHostTSO4 Feature = 1 << 11

	// FeatureNetHostECN indicates that the device can segment TSO frames
	// with ECN.
	FeatureNetHostECN Feature = 1 << 13

	// FeatureNetMergeRXBuffers indicates that the driver can handle merged
	// receive buffers.
	// When this feature is negotiated, devices may merge multiple descriptor
	// chains together to transport large received packets. The NumBuffers
	// header field then contains the number of merged descriptor chains.
	FeatureNetMergeRXBuffers Feature = 1 << 15

	// FeatureNetStatus indicates that the device configuration status field
	// is available.
	FeatureNetStatus Feature = 1 << 16

	// FeatureNetMQ indicates that the device supports multiqueue with
	// automatic receive steering.
	FeatureNetMQ Feature = 1 << 22
)

var featureNames = map[Feature]string{
	FeatureRingIndirectDesc:  "RING_INDIRECT_DESC",
	FeatureRingEventIdx:      "RING_EVENT_IDX",
	FeatureNetCsum:           "CSUM",
	FeatureNetGuestCsum:      "GUEST_CSUM",
	FeatureNetMAC:            "MAC",
	FeatureNetGuestTSO4:      "GUEST_TSO4",
	FeatureNetGuestECN:       "GUEST_ECN",
	FeatureNetGuestUFO:       "GUEST_UFO",
	FeatureNetHostTSO4:       "HOST_TSO4",
	FeatureNetHostECN:        "HOST_ECN",
	FeatureNetMergeRXBuffers: "MRG_RXBUF",
	FeatureNetStatus:         "STATUS",
	FeatureNetMQ:             "MQ",
}

// Has reports whether all bits of other are set in f.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

// String renders the known set bits for log lines. Unknown bits are not
// rendered.
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for bit := 0; bit < 32; bit++ {
		b := Feature(1) << bit
		if f&b == 0 {
			continue
		}
		if name, ok := featureNames[b]; ok {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
