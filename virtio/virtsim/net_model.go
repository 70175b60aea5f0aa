package virtsim

import (
	"encoding/binary"
	"sync"

	"github.com/slackhq/nimbus/virtio"
	"github.com/slackhq/nimbus/virtio/virtqueue"
)

// NetModel emulates a virtio network device with one or more queue pairs.
// Transmitted frames are handed to the egress callback; Inject feeds frames
// back in through the RX rings, splitting them across merged buffers when
// the driver negotiated that.
type NetModel struct {
	mu sync.Mutex

	dev    *PCIDev
	queues map[int]*virtqueue.DeviceSide

	mac      [6]byte
	maxPairs uint16
	features virtio.Feature

	// egress receives every frame the driver transmits, without the virtio
	// header.
	egress func([]byte)

	// pending holds injected frames waiting for RX buffers.
	pending [][]byte
}

// NewNetModel builds a net device model with the given MAC and queue-pair
// count.
func NewNetModel(mac [6]byte, pairs uint16, egress func([]byte)) *NetModel {
	if egress == nil {
		egress = func([]byte) {}
	}
	return &NetModel{
		queues:   make(map[int]*virtqueue.DeviceSide),
		mac:      mac,
		maxPairs: pairs,
		egress:   egress,
		features: virtio.FeatureNetMAC |
			virtio.FeatureNetMergeRXBuffers |
			virtio.FeatureNetStatus |
			virtio.FeatureNetCsum |
			virtio.FeatureNetGuestCsum |
			virtio.FeatureNetGuestTSO4 |
			virtio.FeatureNetHostTSO4 |
			virtio.FeatureNetHostECN |
			virtio.FeatureNetGuestECN |
			virtio.FeatureNetMQ,
	}
}

// Bind attaches the model to its emulated PCI function. Required before the
// driver is attached.
func (m *NetModel) Bind(dev *PCIDev) { m.dev = dev }

// SetFeatures overrides the offered feature bits, for tests that need a
// device without merged buffers or offloads.
func (m *NetModel) SetFeatures(f virtio.Feature) { m.features = f }

// DeviceID implements Model.
func (m *NetModel) DeviceID() uint16 { return 0x1000 }

// HostFeatures implements Model.
func (m *NetModel) HostFeatures() virtio.Feature { return m.features }

// ConfigSpace implements Model: MAC, link status, max queue pairs.
func (m *NetModel) ConfigSpace() []byte {
	space := make([]byte, 10)
	copy(space[0:6], m.mac[:])
	binary.LittleEndian.PutUint16(space[6:8], 1)
	binary.LittleEndian.PutUint16(space[8:10], m.maxPairs)
	return space
}

// QueueSize implements Model. The device exposes 2*maxPairs rings of 256
// entries.
func (m *NetModel) QueueSize(idx int) uint16 {
	if idx < int(2*m.maxPairs) {
		return 256
	}
	return 0
}

// AttachQueue implements Model.
func (m *NetModel) AttachQueue(idx int, q *virtqueue.SplitQueue) {
	m.mu.Lock()
	m.queues[idx] = q.DeviceView()
	m.mu.Unlock()
}

// Notify implements Model: drain a TX ring, or retry pending injections
// when the driver refilled an RX ring. Egress runs outside the model lock:
// two cross-wired models would otherwise deadlock when both transmit at
// once.
func (m *NetModel) Notify(idx int) {
	var frames [][]byte

	m.mu.Lock()
	if idx%2 == 1 {
		frames = m.drainTransmit(idx)
	} else {
		m.deliverPending(idx)
	}
	m.mu.Unlock()

	for _, f := range frames {
		m.egress(f)
	}
}

// mergeable reports whether the driver accepted merged RX buffers. Only
// meaningful once the driver wrote its feature set back.
func (m *NetModel) mergeable() bool {
	return virtio.Feature(m.dev.GuestFeatures()).Has(virtio.FeatureNetMergeRXBuffers)
}

func (m *NetModel) hdrSize() int {
	if m.mergeable() {
		return virtio.NetHdrMrgRxbufSize
	}
	return virtio.NetHdrSize
}

func (m *NetModel) drainTransmit(idx int) [][]byte {
	ds := m.queues[idx]
	if ds == nil {
		return nil
	}

	var frames [][]byte
	delivered := 0
	for {
		head, ok := ds.PopAvail()
		if !ok {
			break
		}

		var frame []byte
		for _, buf := range ds.ReadChain(head) {
			if !buf.Writable {
				frame = append(frame, buf.Data...)
			}
		}

		hdrSize := m.hdrSize()
		if len(frame) > hdrSize {
			var hdr virtio.NetHdr
			_ = hdr.Decode(frame, hdrSize)
			payload := frame[hdrSize:]
			if hdr.Flags&netHdrFNeedsCsum != 0 {
				fillChecksum(&hdr, payload)
			}
			frames = append(frames, payload)
		}

		ds.PushUsed(head, 0)
		delivered++
	}

	if delivered > 0 && !ds.InterruptsSuppressed() {
		m.raise(idx)
	}

	return frames
}

// Inject feeds one frame into the driver's RX path.
func (m *NetModel) Inject(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, append([]byte(nil), frame...))
	m.deliverPending(0)
}

func (m *NetModel) deliverPending(idx int) {
	ds := m.queues[idx]
	if ds == nil {
		return
	}

	delivered := 0
	for len(m.pending) > 0 {
		if !m.deliverOne(ds, m.pending[0]) {
			break
		}
		m.pending = m.pending[1:]
		delivered++
	}

	if delivered > 0 && !ds.InterruptsSuppressed() {
		m.raise(idx)
	}
}

// deliverOne writes one frame into as many RX buffers as it needs. With
// merged buffers the virtio header goes into the first buffer and its
// num_buffers field counts the chains consumed; without them the frame goes
// into a single chain and whatever does not fit is truncated.
func (m *NetModel) deliverOne(ds *virtqueue.DeviceSide, frame []byte) bool {
	hdrSize := m.hdrSize()

	type filled struct {
		head    uint16
		written uint32
	}
	var used []filled

	remaining := frame
	first := true
	var firstBuf []byte

	for first || (len(remaining) > 0 && m.mergeable()) {
		head, ok := ds.PopAvail()
		if !ok {
			// Out of buffers; the frame stays pending. Chains already
			// consumed are returned as zero-length completions.
			for _, f := range used {
				ds.PushUsed(f.head, 0)
			}
			return false
		}

		var written int
		for _, buf := range ds.ReadChain(head) {
			if !buf.Writable || len(buf.Data) == 0 {
				continue
			}
			data := buf.Data
			if first {
				if len(data) < hdrSize {
					ds.PushUsed(head, 0)
					return false
				}
				for i := 0; i < hdrSize; i++ {
					data[i] = 0
				}
				firstBuf = data
				n := copy(data[hdrSize:], remaining)
				remaining = remaining[n:]
				written += hdrSize + n
				first = false
			} else {
				n := copy(data, remaining)
				remaining = remaining[n:]
				written += n
			}
		}

		used = append(used, filled{head: head, written: uint32(written)})

		if !m.mergeable() {
			break
		}
	}

	if m.mergeable() && firstBuf != nil {
		binary.LittleEndian.PutUint16(firstBuf[10:12], uint16(len(used)))
	}

	for _, f := range used {
		ds.PushUsed(f.head, f.written)
	}

	// Without merged buffers anything past the first chain is truncated,
	// which is what a real device would do.
	return len(remaining) == 0 || !m.mergeable()
}

func (m *NetModel) raise(idx int) {
	m.dev.RaiseQueueInterrupt(idx)
}
