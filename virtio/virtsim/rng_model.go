package virtsim

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/slackhq/nimbus/virtio"
	"github.com/slackhq/nimbus/virtio/virtqueue"
)

// RNGModel emulates a virtio entropy device: every offered device-writable
// buffer is filled from the source and completed with the number of bytes
// written.
type RNGModel struct {
	mu sync.Mutex

	dev   *PCIDev
	queue *virtqueue.DeviceSide

	// Source supplies the "hardware" entropy. Defaults to crypto/rand;
	// tests install deterministic readers.
	Source io.Reader
}

// NewRNGModel builds an entropy device model.
func NewRNGModel() *RNGModel {
	return &RNGModel{Source: rand.Reader}
}

// Bind attaches the model to its emulated PCI function.
func (m *RNGModel) Bind(dev *PCIDev) { m.dev = dev }

// DeviceID implements Model.
func (m *RNGModel) DeviceID() uint16 { return 0x1005 }

// HostFeatures implements Model.
func (m *RNGModel) HostFeatures() virtio.Feature { return 0 }

// ConfigSpace implements Model. The entropy device has none.
func (m *RNGModel) ConfigSpace() []byte { return nil }

// QueueSize implements Model: a single request queue.
func (m *RNGModel) QueueSize(idx int) uint16 {
	if idx == 0 {
		return 64
	}
	return 0
}

// AttachQueue implements Model.
func (m *RNGModel) AttachQueue(idx int, q *virtqueue.SplitQueue) {
	m.mu.Lock()
	if idx == 0 {
		m.queue = q.DeviceView()
	}
	m.mu.Unlock()
}

// Notify implements Model: satisfy every pending entropy request.
func (m *RNGModel) Notify(idx int) {
	if idx != 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ds := m.queue
	if ds == nil {
		return
	}

	completed := 0
	for {
		head, ok := ds.PopAvail()
		if !ok {
			break
		}

		var written uint32
		for _, buf := range ds.ReadChain(head) {
			if !buf.Writable {
				continue
			}
			n, _ := io.ReadFull(m.Source, buf.Data)
			written += uint32(n)
		}

		ds.PushUsed(head, written)
		completed++
	}

	if completed > 0 && !ds.InterruptsSuppressed() {
		m.dev.RaiseQueueInterrupt(0)
	}
}
