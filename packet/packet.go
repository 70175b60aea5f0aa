// Package packet models a network packet as an ordered list of owned
// fragments plus header metadata, replacing pointer-chained buffer unions
// with explicit operations.
package packet

import (
	"errors"
	"sync"
)

// ClusterSize is the size of one receive cluster. The net driver posts one
// cluster per RX descriptor.
const ClusterSize = 2048

// Checksum flags carried in the packet header metadata. The transmit side
// sets the offload requests; the receive side sets the validation results.
const (
	// CsumTCP requests TCP checksum offload.
	CsumTCP = 1 << 0
	// CsumUDP requests UDP checksum offload.
	CsumUDP = 1 << 1
	// CsumTSO requests TCP segmentation offload.
	CsumTSO = 1 << 2
	// CsumDataValid marks a received packet whose checksum was already
	// validated.
	CsumDataValid = 1 << 3
	// CsumPseudoHdr marks that the validated checksum includes the
	// pseudo-header.
	CsumPseudoHdr = 1 << 4
)

// ErrTooShort is returned when a pullup asks for more bytes than the packet
// holds.
var ErrTooShort = errors.New("packet shorter than requested pullup")

// Header is the metadata travelling with a packet.
type Header struct {
	// TotalLen is the length of the whole fragment chain in bytes.
	TotalLen int
	// RcvIf identifies the interface the packet arrived on. Opaque to this
	// package.
	RcvIf any
	// CsumFlags holds the Csum* bits.
	CsumFlags uint32
	// CsumData is the checksum offset for offloaded transmits, or the
	// validated checksum value for receives.
	CsumData uint16
	// TsoSegsz is the segment payload size for TSO transmits.
	TsoSegsz uint16
}

// Packet is an ordered list of fragments. The first fragment is the linear
// region header parsing works against.
type Packet struct {
	Hdr   Header
	frags [][]byte

	// pooled marks fragments that came from the cluster pool and go back to
	// it on Release. Same length as frags.
	pooled []bool
}

var clusterPool = sync.Pool{
	New: func() any {
		return make([]byte, ClusterSize)
	},
}

var packetPool = sync.Pool{
	New: func() any {
		return &Packet{
			frags:  make([][]byte, 0, 8),
			pooled: make([]bool, 0, 8),
		}
	},
}

// Get returns a packet with a single full-size cluster fragment, for the RX
// refill path.
func Get() *Packet {
	p := packetPool.Get().(*Packet)
	cluster := clusterPool.Get().([]byte)
	p.frags = append(p.frags, cluster[:ClusterSize])
	p.pooled = append(p.pooled, true)
	p.Hdr = Header{TotalLen: ClusterSize}
	return p
}

// FromBytes builds a packet out of caller-owned fragments, for the transmit
// path and for tests.
func FromBytes(frags ...[]byte) *Packet {
	p := packetPool.Get().(*Packet)
	total := 0
	for _, f := range frags {
		p.frags = append(p.frags, f)
		p.pooled = append(p.pooled, false)
		total += len(f)
	}
	p.Hdr = Header{TotalLen: total}
	return p
}

// Release returns the packet and its pooled fragments to their pools. The
// packet must not be used afterwards.
func (p *Packet) Release() {
	for i, f := range p.frags {
		if p.pooled[i] && cap(f) >= ClusterSize {
			clusterPool.Put(f[:ClusterSize])
		}
		p.frags[i] = nil
	}
	p.frags = p.frags[:0]
	p.pooled = p.pooled[:0]
	p.Hdr = Header{}
	packetPool.Put(p)
}

// NumFrags returns the number of fragments.
func (p *Packet) NumFrags() int {
	return len(p.frags)
}

// Frag returns the i-th fragment.
func (p *Packet) Frag(i int) []byte {
	return p.frags[i]
}

// Head returns the first fragment, the linear region.
func (p *Packet) Head() []byte {
	if len(p.frags) == 0 {
		return nil
	}
	return p.frags[0]
}

// Len returns the byte length of the fragment chain.
func (p *Packet) Len() int {
	n := 0
	for _, f := range p.frags {
		n += len(f)
	}
	return n
}

// SetFragLen truncates the i-th fragment to n bytes, as the driver does when
// the device reports how much of a posted buffer it filled.
func (p *Packet) SetFragLen(i, n int) {
	if n > len(p.frags[i]) {
		n = len(p.frags[i])
	}
	p.frags[i] = p.frags[i][:n]
}

// Append adds a caller-owned fragment at the tail.
func (p *Packet) Append(frag []byte) {
	p.frags = append(p.frags, frag)
	p.pooled = append(p.pooled, false)
}

// AppendPooled adds a cluster fragment at the tail that should return to the
// cluster pool on Release.
func (p *Packet) AppendPooled(frag []byte) {
	p.frags = append(p.frags, frag)
	p.pooled = append(p.pooled, true)
}

// TakeHeadFrag detaches and returns the head fragment together with its
// pooling mark, for chaining one packet's buffer into another.
func (p *Packet) TakeHeadFrag() (frag []byte, pooled bool) {
	frag = p.frags[0]
	pooled = p.pooled[0]
	p.frags = p.frags[1:]
	p.pooled = p.pooled[1:]
	return frag, pooled
}

// Adjust advances the start of the packet by n bytes, dropping leading
// fragment bytes. The total length shrinks accordingly.
func (p *Packet) Adjust(n int) {
	p.Hdr.TotalLen -= n
	for n > 0 && len(p.frags) > 0 {
		f := p.frags[0]
		if n < len(f) {
			p.frags[0] = f[n:]
			return
		}
		n -= len(f)
		if len(p.frags) == 1 {
			p.frags[0] = f[len(f):]
			return
		}
		p.dropEmptyHead()
	}
}

func (p *Packet) dropEmptyHead() {
	if p.pooled[0] && cap(p.frags[0]) >= ClusterSize {
		clusterPool.Put(p.frags[0][:ClusterSize])
	}
	p.frags = p.frags[1:]
	p.pooled = p.pooled[1:]
}

// Pullup makes the first n bytes of the packet contiguous in the head
// fragment, copying from subsequent fragments as needed.
func (p *Packet) Pullup(n int) error {
	if n > p.Len() {
		return ErrTooShort
	}
	if len(p.frags) == 0 || len(p.frags[0]) >= n {
		return nil
	}

	head := make([]byte, 0, n)
	for len(head) < n {
		f := p.frags[0]
		take := n - len(head)
		if take > len(f) {
			take = len(f)
		}
		head = append(head, f[:take]...)
		if take == len(f) {
			if len(p.frags) == 1 {
				p.frags[0] = p.frags[0][:0]
				break
			}
			p.dropEmptyHead()
		} else {
			p.frags[0] = f[take:]
		}
	}

	p.frags = append([][]byte{head}, p.frags...)
	p.pooled = append([]bool{false}, p.pooled...)
	return nil
}
