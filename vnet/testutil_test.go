package vnet

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/slackhq/nimbus/ifnet"
	"github.com/slackhq/nimbus/packet"
	"github.com/slackhq/nimbus/virtio"
	"github.com/slackhq/nimbus/virtio/virtqueue"
	"github.com/slackhq/nimbus/virtio/virtsim"
)

// testModel is a hand-driven net device model: nothing happens on a doorbell
// unless the test asks for it, so tests control completions precisely.
type testModel struct {
	mu sync.Mutex

	features virtio.Feature
	pairs    uint16
	dev      *virtsim.PCIDev

	queues map[int]*virtqueue.DeviceSide

	// txFrames collects transmitted descriptor chains (header included)
	// when autoTx is set.
	autoTx   bool
	txFrames [][]byte
}

func newTestModel(features virtio.Feature, pairs uint16) *testModel {
	return &testModel{
		features: features,
		pairs:    pairs,
		queues:   make(map[int]*virtqueue.DeviceSide),
	}
}

func (m *testModel) DeviceID() uint16             { return PCIDeviceID }
func (m *testModel) HostFeatures() virtio.Feature { return m.features }
func (m *testModel) QueueSize(idx int) uint16 {
	if idx < int(2*m.pairs) {
		return 256
	}
	return 0
}

func (m *testModel) ConfigSpace() []byte {
	space := make([]byte, 10)
	copy(space[0:6], []byte{0x02, 0, 0, 0, 0, 0x01})
	binary.LittleEndian.PutUint16(space[6:8], 1)
	binary.LittleEndian.PutUint16(space[8:10], m.pairs)
	return space
}

func (m *testModel) AttachQueue(idx int, q *virtqueue.SplitQueue) {
	m.mu.Lock()
	m.queues[idx] = q.DeviceView()
	m.mu.Unlock()
}

func (m *testModel) Notify(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.autoTx || idx%2 != 1 {
		return
	}
	m.drainTx(idx)
}

func (m *testModel) drainTx(idx int) {
	ds := m.queues[idx]
	for {
		head, ok := ds.PopAvail()
		if !ok {
			return
		}
		var frame []byte
		for _, buf := range ds.ReadChain(head) {
			frame = append(frame, buf.Data...)
		}
		m.txFrames = append(m.txFrames, frame)
		ds.PushUsed(head, 0)
	}
}

// completeTx pops up to max transmit chains and completes them without
// raising an interrupt, for the lazy-reclaim tests.
func (m *testModel) completeTx(idx, max int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds := m.queues[idx]
	done := 0
	for done < max {
		head, ok := ds.PopAvail()
		if !ok {
			break
		}
		ds.PushUsed(head, 0)
		done++
	}
	return done
}

// rx returns the device side of RX queue pair p.
func (m *testModel) rx(p int) *virtqueue.DeviceSide {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[2*p]
}

// deliver pushes one receive completion per entry in lens, filling the
// chains with the corresponding slices of payload. The first chain gets the
// virtio header (with num_buffers = len(lens)) prepended. Lengths are the
// completion lengths, header included for the first chain.
func (m *testModel) deliver(t *testing.T, pair int, hdr virtio.NetHdr, hdrSize int, payload []byte, lens []int) {
	t.Helper()

	ds := m.rx(pair)
	hdr.NumBuffers = uint16(len(lens))

	offset := 0
	for i, l := range lens {
		head, ok := ds.PopAvail()
		require.True(t, ok, "rx ring has no posted buffer")

		bufs := ds.ReadChain(head)
		require.NotEmpty(t, bufs)
		data := bufs[0].Data

		if i == 0 {
			require.NoError(t, hdr.Encode(data, hdrSize))
			n := copy(data[hdrSize:l], payload)
			offset += n
		} else {
			n := copy(data[:l], payload[offset:])
			offset += n
		}

		ds.PushUsed(head, uint32(l))
	}

	m.dev.RaiseQueueInterrupt(2 * pair)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

const testFeaturesAll = virtio.FeatureNetMAC |
	virtio.FeatureNetMergeRXBuffers |
	virtio.FeatureNetStatus |
	virtio.FeatureNetCsum |
	virtio.FeatureNetGuestCsum |
	virtio.FeatureNetGuestTSO4 |
	virtio.FeatureNetHostTSO4 |
	virtio.FeatureNetHostECN |
	virtio.FeatureNetGuestECN |
	virtio.FeatureNetMQ

type testHarness struct {
	n     *Net
	model *testModel
	input chan *packet.Packet
}

// newTestNet attaches a driver to a hand-driven device model and captures
// upward deliveries.
func newTestNet(t *testing.T, features virtio.Feature, pairs uint16, msix bool) *testHarness {
	t.Helper()

	model := newTestModel(features, pairs)
	dev := virtsim.NewPCIDev(model, msix)
	model.dev = dev

	sched := &virtsim.FixedScheduler{CPU: 0, CPUs: int(pairs)}

	n, err := New(testLogger(), dev, sched, dev.QueueFactory())
	require.NoError(t, err)

	h := &testHarness{
		n:     n,
		model: model,
		input: make(chan *packet.Packet, 16),
	}
	n.Interface().Input = func(_ *ifnet.Interface, m *packet.Packet) {
		h.input <- m
	}

	return h
}

// waitInput returns the next delivered packet or fails.
func (h *testHarness) waitInput(t *testing.T) *packet.Packet {
	t.Helper()
	select {
	case m := <-h.input:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no packet delivered upward")
		return nil
	}
}

// expectNoInput asserts nothing is delivered within the grace period.
func (h *testHarness) expectNoInput(t *testing.T) {
	t.Helper()
	select {
	case <-h.input:
		t.Fatal("unexpected upward delivery")
	case <-time.After(100 * time.Millisecond):
	}
}

// waitStats polls the aggregated stats until cond holds.
func (h *testHarness) waitStats(t *testing.T, cond func(d ifnet.Data) bool) ifnet.Data {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		d := h.n.GetInfo()
		if cond(d) {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats condition never held: %+v", d)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
