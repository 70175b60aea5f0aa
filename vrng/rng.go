// Package vrng implements the virtio entropy device driver: a single worker
// keeps an in-memory pool topped up from the device's virtqueue, and callers
// block on the pool.
package vrng

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/nimbus/virtio"
)

// PCIDeviceID is the transitional device id for virtio entropy devices.
const PCIDeviceID = 0x1005

// DefaultPoolSize is the target capacity of the entropy pool in bytes.
const DefaultPoolSize = 64

// SourceRegistry is the kernel-side entropy consumer registry the driver
// announces itself to.
type SourceRegistry interface {
	RegisterSource(name string, src Source)
}

// Source produces entropy on demand.
type Source interface {
	// GetRandomBytes copies up to len(dest) pool bytes into dest and
	// returns how many were copied. It blocks while the pool is empty.
	GetRandomBytes(dest []byte) int
}

// RNG is one bound virtio entropy device.
type RNG struct {
	t *virtio.Transport
	l *logrus.Logger

	queue  virtio.Queue
	waiter *virtio.Waiter

	mtx      sync.Mutex
	producer *sync.Cond
	consumer *sync.Cond

	// entropy holds the pooled bytes; consumers drain from the head,
	// the worker appends at the tail. Length never exceeds poolSize.
	entropy  []byte
	poolSize int
}

// Probe binds the entropy driver when the hardware descriptor carries a
// virtio entropy device.
func Probe(l *logrus.Logger, hw virtio.HWDevice, factory virtio.QueueFactory, reg SourceRegistry) (*RNG, error) {
	dev, ok := hw.PCI()
	if !ok {
		return nil, nil
	}
	if dev.DeviceID() != PCIDeviceID {
		return nil, nil
	}
	return New(l, dev, factory, reg, 0)
}

// New attaches the entropy driver: transport attach, queue discovery, worker
// start and registration with the entropy source registry. A poolSize of
// zero selects DefaultPoolSize.
func New(l *logrus.Logger, dev virtio.PCIDevice, factory virtio.QueueFactory, reg SourceRegistry, poolSize int) (*RNG, error) {
	t, err := virtio.NewTransport(l, dev)
	if err != nil {
		return nil, fmt.Errorf("virtio-rng: %w", err)
	}

	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	r := &RNG{
		t:        t,
		l:        l,
		waiter:   virtio.NewWaiter(),
		poolSize: poolSize,
	}
	r.producer = sync.NewCond(&r.mtx)
	r.consumer = sync.NewCond(&r.mtx)

	t.SetupFeatures(r)

	if err := t.ProbeVirtQueues(factory, 1); err != nil {
		t.Close()
		return nil, fmt.Errorf("virtio-rng: probe queues: %w", err)
	}
	r.queue = t.VirtQueue(0)
	if r.queue == nil {
		t.Close()
		return nil, fmt.Errorf("virtio-rng: %w: no virtqueue", virtio.ErrIO)
	}

	if dev.IsMSIX() {
		err = t.RegisterMSIX([]virtio.MSIXBinding{
			{Vector: 0, Ack: r.queue.DisableInterrupts, Wake: r.waiter},
		})
	} else {
		err = t.RegisterLegacy(r.AckIRQ, r.waiter)
	}
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("virtio-rng: %w", err)
	}

	t.AddDevStatus(virtio.StatusDriverOK)

	go r.worker()

	if reg != nil {
		reg.RegisterSource("virtio-rng", r)
	}

	l.Info("virtio-rng attached")

	return r, nil
}

// DriverFeatures implements the transport's negotiation strategy. The
// entropy device has no feature bits of its own.
func (r *RNG) DriverFeatures() virtio.Feature {
	return virtio.FeatureRingIndirectDesc | virtio.FeatureRingEventIdx
}

// AckIRQ claims a legacy interrupt when the ISR reads nonzero.
func (r *RNG) AckIRQ() bool {
	return r.t.ISRRead() != 0
}

// GetRandomBytes copies up to len(dest) bytes from the head of the pool,
// erases them and wakes the producer. It blocks while the pool is empty and
// never returns zero while the driver is live; callers needing more bytes
// loop.
func (r *RNG) GetRandomBytes(dest []byte) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for len(r.entropy) == 0 {
		r.consumer.Wait()
	}

	n := copy(dest, r.entropy)
	r.entropy = r.entropy[:copy(r.entropy, r.entropy[n:])]
	r.producer.Signal()

	return n
}

// worker refills the pool whenever it drops below capacity and wakes every
// blocked consumer afterwards.
func (r *RNG) worker() {
	for {
		r.mtx.Lock()
		for len(r.entropy) >= r.poolSize {
			r.producer.Wait()
		}
		r.refill()
		r.consumer.Broadcast()
		r.mtx.Unlock()
	}
}

// refill asks the device for enough bytes to top the pool up. The pool lock
// is held on entry and dropped for the duration of the device round trip, so
// consumers can keep draining while the device works.
func (r *RNG) refill() {
	remaining := r.poolSize - len(r.entropy)
	buf := make([]byte, remaining)

	var written uint32
	func() {
		r.mtx.Unlock()
		defer r.mtx.Lock()

		r.queue.InitSG()
		r.queue.AddInSG(buf)

		for !r.queue.AddBuf(buf) {
			for !r.queue.AvailRingHasRoom(r.queue.SGCount()) {
				r.t.WaitForQueue(r.queue, virtio.UsedRingCanGC, r.waiter)
				r.queue.GetBufGC()
			}
		}
		r.queue.Kick()

		r.t.WaitForQueue(r.queue, virtio.UsedRingNotEmpty, r.waiter)

		_, written, _ = r.queue.GetBufElem()
		r.queue.GetBufFinalize()
	}()

	if int(written) > len(buf) {
		written = uint32(len(buf))
	}
	r.entropy = append(r.entropy, buf[:written]...)
}

// Detach tears the driver down. Consumers must have stopped.
func (r *RNG) Detach() error {
	return r.t.Close()
}
