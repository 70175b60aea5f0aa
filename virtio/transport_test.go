package virtio

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPCI is a register-accurate stand-in for the hardware handle.
type mockPCI struct {
	bar1     bool
	revision uint8
	deviceID uint16
	msix     bool
	line     int

	busMaster bool

	hostFeatures uint32
	guestWrites  []uint32
	status       uint8
	queueSel     uint16
	queueSizes   []uint16
	pfnWrites    map[uint16]uint32
	msiVectors   map[uint16]uint16
	rejectMSI    bool
	isrValues    []uint8

	msixHandlers  map[int]func()
	legacyHandler func() bool
}

func newMockPCI() *mockPCI {
	return &mockPCI{
		bar1:         true,
		revision:     ABIVersion,
		deviceID:     0x1000,
		line:         11,
		pfnWrites:    make(map[uint16]uint32),
		msiVectors:   make(map[uint16]uint16),
		msixHandlers: make(map[int]func()),
	}
}

func (m *mockPCI) ParseConfig() error   { return nil }
func (m *mockPCI) HasBAR1() bool        { return m.bar1 }
func (m *mockPCI) RevisionID() uint8    { return m.revision }
func (m *mockPCI) DeviceID() uint16     { return m.deviceID }
func (m *mockPCI) SetBusMaster(on bool) { m.busMaster = on }
func (m *mockPCI) MSIXEnable() bool     { return m.msix }
func (m *mockPCI) IsMSIX() bool         { return m.msix }
func (m *mockPCI) InterruptLine() int   { return m.line }

func (m *mockPCI) RegisterMSIXVector(vector int, handler func()) error {
	m.msixHandlers[vector] = handler
	return nil
}

func (m *mockPCI) RegisterLegacyIRQ(line int, handler func() bool) error {
	m.legacyHandler = handler
	return nil
}

func (m *mockPCI) ReadBAR1b(offset uint32) uint8 {
	switch offset {
	case regStatus:
		return m.status
	case regISR:
		if len(m.isrValues) == 0 {
			return 0
		}
		v := m.isrValues[0]
		m.isrValues = m.isrValues[1:]
		return v
	}
	return 0
}

func (m *mockPCI) ReadBAR1w(offset uint32) uint16 {
	switch offset {
	case regQueueNum:
		if int(m.queueSel) < len(m.queueSizes) {
			return m.queueSizes[m.queueSel]
		}
		return 0
	case regMSIQueueVector:
		if m.rejectMSI {
			return 0xffff
		}
		return m.msiVectors[m.queueSel]
	}
	return 0
}

func (m *mockPCI) ReadBAR1l(offset uint32) uint32 {
	switch offset {
	case regHostFeatures:
		return m.hostFeatures
	case regGuestFeatures:
		if len(m.guestWrites) > 0 {
			return m.guestWrites[len(m.guestWrites)-1]
		}
	}
	return 0
}

func (m *mockPCI) WriteBAR1b(offset uint32, v uint8) {
	if offset == regStatus {
		m.status = v
	}
}

func (m *mockPCI) WriteBAR1w(offset uint32, v uint16) {
	switch offset {
	case regQueueSel:
		m.queueSel = v
	case regMSIQueueVector:
		m.msiVectors[m.queueSel] = v
	}
}

func (m *mockPCI) WriteBAR1l(offset uint32, v uint32) {
	switch offset {
	case regGuestFeatures:
		m.guestWrites = append(m.guestWrites, v)
	case regQueuePFN:
		m.pfnWrites[m.queueSel] = v
	}
}

// mockQueue implements just enough of the queue contract for transport
// tests.
type mockQueue struct {
	size int
	phys uint64

	mu           sync.Mutex
	usedPending  int
	irqEnabled   bool
	enableHook   func()
	disableCount int
}

func (q *mockQueue) Size() int        { return q.size }
func (q *mockQueue) PhysAddr() uint64 { return q.phys }
func (q *mockQueue) InitSG()          {}
func (q *mockQueue) AddOutSG([]byte)  {}
func (q *mockQueue) AddInSG([]byte)   {}
func (q *mockQueue) SGCount() int     { return 0 }
func (q *mockQueue) AddBuf(any) bool  { return true }
func (q *mockQueue) GetBufElem() (any, uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.usedPending == 0 {
		return nil, 0, false
	}
	return nil, 0, true
}
func (q *mockQueue) GetBufFinalize() {
	q.mu.Lock()
	q.usedPending--
	q.mu.Unlock()
}
func (q *mockQueue) GetBufGC()  {}
func (q *mockQueue) Kick() bool { return true }
func (q *mockQueue) UsedRingNotEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usedPending > 0
}
func (q *mockQueue) UsedRingCanGC() bool       { return q.UsedRingNotEmpty() }
func (q *mockQueue) AvailRingNotEmpty() bool   { return true }
func (q *mockQueue) AvailRingHasRoom(int) bool { return true }
func (q *mockQueue) RefillRingCond() bool      { return false }
func (q *mockQueue) EnableInterrupts() {
	q.mu.Lock()
	q.irqEnabled = true
	hook := q.enableHook
	q.mu.Unlock()
	if hook != nil {
		hook()
	}
}
func (q *mockQueue) DisableInterrupts() {
	q.mu.Lock()
	q.irqEnabled = false
	q.disableCount++
	q.mu.Unlock()
}
func (q *mockQueue) Close() error { return nil }

func (q *mockQueue) post(n int) {
	q.mu.Lock()
	q.usedPending += n
	q.mu.Unlock()
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type staticFeatures Feature

func (s staticFeatures) DriverFeatures() Feature { return Feature(s) }

func mockFactory(queues *[]*mockQueue) QueueFactory {
	return func(t *Transport, size uint16, index int) (Queue, error) {
		q := &mockQueue{size: int(size), phys: uint64(0x100000 * (index + 1))}
		*queues = append(*queues, q)
		return q, nil
	}
}

func TestNewTransportChecksABI(t *testing.T) {
	l := testLogger()

	dev := newMockPCI()
	dev.bar1 = false
	_, err := NewTransport(l, dev)
	require.ErrorIs(t, err, ErrWrongABI)

	dev = newMockPCI()
	dev.revision = 1
	_, err = NewTransport(l, dev)
	require.ErrorIs(t, err, ErrWrongABI)

	dev = newMockPCI()
	dev.deviceID = 0x2000
	_, err = NewTransport(l, dev)
	require.ErrorIs(t, err, ErrWrongABI)
}

func TestNewTransportStatusSequence(t *testing.T) {
	dev := newMockPCI()
	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	assert.True(t, dev.busMaster)
	assert.Equal(t, uint8(StatusAcknowledge|StatusDriver), dev.status)

	tr.AddDevStatus(StatusDriverOK)
	assert.Equal(t, uint8(StatusAcknowledge|StatusDriver|StatusDriverOK), dev.status)

	tr.DelDevStatus(StatusDriverOK)
	assert.Equal(t, uint8(StatusAcknowledge|StatusDriver), dev.status)
}

func TestSetupFeaturesWritesIntersectionOnce(t *testing.T) {
	dev := newMockPCI()
	dev.hostFeatures = uint32(FeatureNetMAC | FeatureNetCsum | FeatureNetStatus | FeatureRingEventIdx)

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	want := FeatureNetMAC | FeatureNetCsum
	got := tr.SetupFeatures(staticFeatures(FeatureNetMAC | FeatureNetCsum | FeatureNetMergeRXBuffers))

	assert.Equal(t, want, got)
	assert.Equal(t, want, tr.NegotiatedFeatures())
	require.Len(t, dev.guestWrites, 1)
	assert.Equal(t, uint32(want), dev.guestWrites[0])
	assert.False(t, tr.EventIdxCap())
}

func TestSetupFeaturesRingCaps(t *testing.T) {
	dev := newMockPCI()
	dev.hostFeatures = uint32(FeatureRingIndirectDesc | FeatureRingEventIdx)

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	tr.SetupFeatures(staticFeatures(FeatureRingIndirectDesc | FeatureRingEventIdx))
	assert.True(t, tr.IndirectCap())
	assert.True(t, tr.EventIdxCap())
}

func TestProbeVirtQueuesStopsAtZeroSize(t *testing.T) {
	dev := newMockPCI()
	dev.queueSizes = []uint16{4, 8, 0, 16}

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	var queues []*mockQueue
	require.NoError(t, tr.ProbeVirtQueues(mockFactory(&queues), 0))

	require.Equal(t, 2, tr.NumQueues())
	assert.Equal(t, 4, tr.VirtQueue(0).Size())
	assert.Equal(t, 8, tr.VirtQueue(1).Size())
	assert.Nil(t, tr.VirtQueue(2))

	// Page frame numbers are the ring addresses shifted by the page shift.
	assert.Equal(t, uint32(queues[0].phys>>QueueAddrShift), dev.pfnWrites[0])
	assert.Equal(t, uint32(queues[1].phys>>QueueAddrShift), dev.pfnWrites[1])
}

func TestProbeVirtQueuesHonoursCap(t *testing.T) {
	dev := newMockPCI()
	dev.queueSizes = []uint16{4, 4, 4, 4, 4, 4}

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	var queues []*mockQueue
	require.NoError(t, tr.ProbeVirtQueues(mockFactory(&queues), 4))
	assert.Equal(t, 4, tr.NumQueues())
}

func TestProbeVirtQueuesBindsMSIXVectors(t *testing.T) {
	dev := newMockPCI()
	dev.msix = true
	dev.queueSizes = []uint16{4, 4, 0}

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	var queues []*mockQueue
	require.NoError(t, tr.ProbeVirtQueues(mockFactory(&queues), 0))

	assert.Equal(t, uint16(0), dev.msiVectors[0])
	assert.Equal(t, uint16(1), dev.msiVectors[1])
}

func TestProbeVirtQueuesMSIXRejection(t *testing.T) {
	dev := newMockPCI()
	dev.msix = true
	dev.rejectMSI = true
	dev.queueSizes = []uint16{4}

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	var queues []*mockQueue
	err = tr.ProbeVirtQueues(mockFactory(&queues), 0)
	require.ErrorIs(t, err, ErrIO)
}

func TestWaitForQueueImmediate(t *testing.T) {
	dev := newMockPCI()
	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	q := &mockQueue{size: 4}
	q.post(1)

	w := NewWaiter()
	tr.WaitForQueue(q, UsedRingNotEmpty, w)
	// Interrupts were never enabled: the predicate held on first check.
	assert.False(t, q.irqEnabled)
}

func TestWaitForQueueClosesEnableRace(t *testing.T) {
	dev := newMockPCI()
	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	q := &mockQueue{size: 4}
	// A completion lands between the first predicate check and enabling
	// interrupts. The double check must catch it and disable again without
	// ever blocking.
	q.enableHook = func() { q.post(1) }

	w := NewWaiter()
	done := make(chan struct{})
	go func() {
		tr.WaitForQueue(q, UsedRingNotEmpty, w)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForQueue lost the race wakeup")
	}

	assert.False(t, q.irqEnabled)
	assert.Equal(t, 1, q.disableCount)
}

func TestWaitForQueueBlocksUntilWake(t *testing.T) {
	dev := newMockPCI()
	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	q := &mockQueue{size: 4}
	w := NewWaiter()

	done := make(chan struct{})
	go func() {
		tr.WaitForQueue(q, UsedRingNotEmpty, w)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForQueue returned with an empty ring")
	case <-time.After(50 * time.Millisecond):
	}

	q.post(1)
	w.Wake()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForQueue missed the wakeup")
	}
}

func TestRegisterLegacyAckSemantics(t *testing.T) {
	dev := newMockPCI()
	dev.isrValues = []uint8{0x01, 0x00}

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	q := &mockQueue{size: 4}
	w := NewWaiter()

	wakes := 0
	ack := func() bool {
		if tr.ISRRead() == 0 {
			return false
		}
		q.DisableInterrupts()
		return true
	}
	require.NoError(t, tr.RegisterLegacy(ack, w))

	// First interrupt is pending: claimed, queue interrupts disabled, waiter
	// woken.
	assert.True(t, dev.legacyHandler())
	select {
	case <-wChan(w):
		wakes++
	default:
	}
	assert.Equal(t, 1, wakes)
	assert.Equal(t, 1, q.disableCount)

	// Second is spurious: not claimed, no wake.
	assert.False(t, dev.legacyHandler())
	select {
	case <-wChan(w):
		wakes++
	default:
	}
	assert.Equal(t, 1, wakes)
}

// wChan exposes the waiter's pending wake for test assertions.
func wChan(w *Waiter) <-chan struct{} { return w.ch }

func TestTransportCloseResetsAndDestroysQueues(t *testing.T) {
	dev := newMockPCI()
	dev.queueSizes = []uint16{4, 0}

	tr, err := NewTransport(testLogger(), dev)
	require.NoError(t, err)

	var queues []*mockQueue
	require.NoError(t, tr.ProbeVirtQueues(mockFactory(&queues), 0))
	require.NoError(t, tr.Close())

	assert.Equal(t, uint8(StatusReset), dev.status)
	assert.Equal(t, 0, tr.NumQueues())
}

func TestNextInstanceMonotonic(t *testing.T) {
	a := NextInstance()
	b := NextInstance()
	assert.Greater(t, b, a)
}
