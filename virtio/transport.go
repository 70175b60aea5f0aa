package virtio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// instanceSeq hands out driver instance numbers across all device classes.
var instanceSeq atomic.Int64

// NextInstance returns a process-unique instance number for naming driver
// instances.
func NextInstance() int {
	return int(instanceSeq.Add(1) - 1)
}

// DeviceConfig is the strategy object a device subclass hands to the
// transport so it can negotiate on its behalf.
type DeviceConfig interface {
	// DriverFeatures returns the feature bits the driver wants to use.
	DriverFeatures() Feature
}

// Transport owns the PCI side of one virtio device: the register window, the
// bus-master bit, MSI-X state, feature negotiation and the discovered
// virtqueues. Device subclasses (net, rng) embed a reference to it and drive
// the device through its operation set.
type Transport struct {
	dev PCIDevice
	l   *logrus.Logger

	negotiated Feature
	written    bool

	indirectCap bool
	eventIdxCap bool

	queues []Queue
}

// NewTransport binds the legacy virtio transport to the given PCI device and
// runs the first half of the attach sequence: config parse, ABI checks, bus
// master, MSI-X, device reset and the ACKNOWLEDGE|DRIVER status write.
//
// The device subclass must then negotiate features, discover queues and add
// StatusDriverOK.
func NewTransport(l *logrus.Logger, dev PCIDevice) (*Transport, error) {
	if err := dev.ParseConfig(); err != nil {
		return nil, fmt.Errorf("parse pci config: %w", err)
	}

	if !dev.HasBAR1() {
		l.Error("virtio BAR-1 not present")
		return nil, fmt.Errorf("%w: BAR-1 not present", ErrWrongABI)
	}

	if rev := dev.RevisionID(); rev != ABIVersion {
		l.WithField("revision", rev).Error("wrong virtio revision")
		return nil, fmt.Errorf("%w: revision %#x", ErrWrongABI, rev)
	}

	if id := dev.DeviceID(); id < PCIDeviceIDMin || id > PCIDeviceIDMax {
		l.WithField("deviceID", id).Error("wrong virtio device id")
		return nil, fmt.Errorf("%w: device id %#x", ErrWrongABI, id)
	}

	t := &Transport{dev: dev, l: l}

	dev.SetBusMaster(true)
	dev.MSIXEnable()

	// Make sure the device is reset before driving it.
	t.SetDevStatus(StatusReset)

	t.AddDevStatus(StatusAcknowledge | StatusDriver)

	return t, nil
}

// Device returns the underlying PCI device handle.
func (t *Transport) Device() PCIDevice { return t.dev }

// SetupFeatures intersects the device-offered features with the features the
// subclass requests and writes the result back to the device. The negotiated
// set is written exactly once, before StatusDriverOK; the driver's observable
// capabilities are a function of it alone.
func (t *Transport) SetupFeatures(dc DeviceConfig) Feature {
	devFeatures := t.HostFeatures()
	drvFeatures := dc.DriverFeatures()

	subset := devFeatures & drvFeatures
	t.l.WithFields(logrus.Fields{
		"device":     devFeatures.String(),
		"driver":     drvFeatures.String(),
		"negotiated": subset.String(),
	}).Debug("virtio feature negotiation")

	if subset.Has(FeatureRingIndirectDesc) {
		t.indirectCap = true
	}
	if subset.Has(FeatureRingEventIdx) {
		t.eventIdxCap = true
	}

	t.SetGuestFeatures(subset)
	t.negotiated = subset
	t.written = true

	return subset
}

// NegotiatedFeatures returns the feature set agreed with the device. Only
// valid after SetupFeatures.
func (t *Transport) NegotiatedFeatures() Feature { return t.negotiated }

// IndirectCap reports whether indirect descriptors were negotiated.
func (t *Transport) IndirectCap() bool { return t.indirectCap }

// EventIdxCap reports whether the event index fields were negotiated.
func (t *Transport) EventIdxCap() bool { return t.eventIdxCap }

// ProbeVirtQueues walks the queue-select space and wires up every queue the
// device exposes. Discovery stops at the first zero-size queue, at the
// compile-time maximum, or at maxQueues when it is nonzero.
//
// For each queue the factory builds the ring, the MSI-X vector is bound 1:1
// to the queue index when MSI-X is active, and the ring's page frame number
// is written to the device.
func (t *Transport) ProbeVirtQueues(factory QueueFactory, maxQueues int) error {
	for {
		if len(t.queues) >= MaxVirtQueues {
			return nil
		}

		idx := len(t.queues)
		t.ConfWritew(regQueueSel, uint16(idx))
		qsize := t.ConfReadw(regQueueNum)
		if qsize == 0 {
			return nil
		}

		queue, err := factory(t, qsize, idx)
		if err != nil {
			return fmt.Errorf("construct virtqueue %d: %w", idx, err)
		}
		t.queues = append(t.queues, queue)

		if t.dev.IsMSIX() {
			// Queue index and MSI-X table entry correlate 1:1.
			t.ConfWritew(regMSIQueueVector, uint16(idx))
			if t.ConfReadw(regMSIQueueVector) != uint16(idx) {
				t.l.WithField("queue", idx).Error("setting MSI-X entry for queue failed")
				return fmt.Errorf("%w: MSI-X vector for queue %d rejected", ErrIO, idx)
			}
		}

		t.ConfWritel(regQueuePFN, uint32(queue.PhysAddr()>>QueueAddrShift))

		t.l.WithFields(logrus.Fields{
			"queue": idx,
			"size":  qsize,
		}).Debug("virtqueue discovered")

		if maxQueues > 0 && len(t.queues) >= maxQueues {
			return nil
		}
	}
}

// NumQueues returns the number of discovered queues.
func (t *Transport) NumQueues() int { return len(t.queues) }

// VirtQueue returns the queue at idx, or nil when idx is out of range.
func (t *Transport) VirtQueue(idx int) Queue {
	if idx < 0 || idx >= len(t.queues) {
		return nil
	}
	return t.queues[idx]
}

// Kick writes the doorbell for the given queue index.
func (t *Transport) Kick(queue int) {
	t.ConfWritew(regQueueNotify, uint16(queue))
}

// ISRRead reads and thereby clears the legacy interrupt status register.
func (t *Transport) ISRRead() uint8 {
	return t.ConfReadb(regISR)
}

// WaitForQueue blocks the caller until pred holds for the queue. The waiter
// must be the one the queue's interrupt handler wakes.
//
// The predicate is re-evaluated after enabling interrupts: a completion may
// land between the first check and the enable, and without the second check
// that wakeup would be lost.
func (t *Transport) WaitForQueue(q Queue, pred QueuePredicate, w *Waiter) {
	for {
		if pred(q) {
			return
		}
		q.EnableInterrupts()
		if pred(q) {
			q.DisableInterrupts()
			return
		}
		w.Wait()
	}
}

// HostFeatures reads the device-offered feature bitmap.
func (t *Transport) HostFeatures() Feature {
	return Feature(t.ConfReadl(regHostFeatures))
}

// SetGuestFeatures writes the driver-accepted feature bitmap.
func (t *Transport) SetGuestFeatures(f Feature) {
	t.ConfWritel(regGuestFeatures, uint32(f))
}

// GuestFeatures reads back the driver-accepted feature bitmap.
func (t *Transport) GuestFeatures() Feature {
	return Feature(t.ConfReadl(regGuestFeatures))
}

// GuestFeatureBit reports whether the given negotiated bit is set on the
// device.
func (t *Transport) GuestFeatureBit(f Feature) bool {
	return t.GuestFeatures().Has(f)
}

// DevStatus reads the device status byte.
func (t *Transport) DevStatus() Status {
	return Status(t.ConfReadb(regStatus))
}

// SetDevStatus overwrites the device status byte.
func (t *Transport) SetDevStatus(s Status) {
	t.ConfWriteb(regStatus, uint8(s))
}

// AddDevStatus sets the given bits on the device status byte.
func (t *Transport) AddDevStatus(s Status) {
	t.SetDevStatus(t.DevStatus() | s)
}

// DelDevStatus clears the given bits on the device status byte.
func (t *Transport) DelDevStatus(s Status) {
	t.SetDevStatus(t.DevStatus() &^ s)
}

// ConfigOffset returns the BAR-1 offset of the device-specific configuration
// area, which moves when MSI-X is enabled.
func (t *Transport) ConfigOffset() uint32 {
	if t.dev.IsMSIX() {
		return configOffsetMSIX
	}
	return configOffset
}

// ReadDevConfig copies len(buf) bytes out of the device-specific
// configuration area starting at offset.
func (t *Transport) ReadDevConfig(offset uint32, buf []byte) {
	base := t.ConfigOffset() + offset
	for i := range buf {
		buf[i] = t.ConfReadb(base + uint32(i))
	}
}

// Register access helpers at the three legacy widths.

func (t *Transport) ConfReadb(offset uint32) uint8      { return t.dev.ReadBAR1b(offset) }
func (t *Transport) ConfReadw(offset uint32) uint16     { return t.dev.ReadBAR1w(offset) }
func (t *Transport) ConfReadl(offset uint32) uint32     { return t.dev.ReadBAR1l(offset) }
func (t *Transport) ConfWriteb(offset uint32, v uint8)  { t.dev.WriteBAR1b(offset, v) }
func (t *Transport) ConfWritew(offset uint32, v uint16) { t.dev.WriteBAR1w(offset, v) }
func (t *Transport) ConfWritel(offset uint32, v uint32) { t.dev.WriteBAR1l(offset, v) }

// Close resets the device and destroys the virtqueues. The driver must be
// quiesced first; teardown is not safe against live traffic.
func (t *Transport) Close() error {
	t.SetDevStatus(StatusReset)

	var errs []error
	for i, q := range t.queues {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close virtqueue %d: %w", i, err))
		}
		t.queues[i] = nil
	}
	t.queues = nil

	return errors.Join(errs...)
}
