// Package virtsim emulates the host side of the legacy virtio PCI
// transport: a register window with the device-status FSM, device models
// that pump the virtqueues, and MSI-X or legacy interrupt delivery into the
// driver's registered handlers.
//
// It exists so the drivers can be exercised end to end without a hypervisor:
// the harness binary and the integration tests attach real driver instances
// to it.
package virtsim

import (
	"fmt"
	"sync"

	"github.com/slackhq/nimbus/virtio"
	"github.com/slackhq/nimbus/virtio/virtqueue"
)

// Model is one emulated virtio device behind a PCIDev.
type Model interface {
	// DeviceID returns the PCI device id the model presents.
	DeviceID() uint16

	// HostFeatures returns the feature bits the device offers.
	HostFeatures() virtio.Feature

	// ConfigSpace returns the device-specific configuration bytes.
	ConfigSpace() []byte

	// QueueSize returns the ring size for the given queue index; zero means
	// the queue does not exist, which terminates discovery.
	QueueSize(idx int) uint16

	// AttachQueue hands the model the device view of a driver-constructed
	// ring.
	AttachQueue(idx int, q *virtqueue.SplitQueue)

	// Notify is the doorbell: the driver announced new available buffers on
	// the given queue.
	Notify(idx int)
}

// PCIDev implements the transport's PCI device contract over in-memory
// registers backed by a device model.
type PCIDev struct {
	model Model

	mu sync.Mutex

	parsed     bool
	msix       bool
	busMaster  bool
	guestFeats uint32
	status     uint8
	queueSel   uint16
	queuePFN   map[uint16]uint32
	queueVec   map[uint16]uint16
	isr        uint8

	msixHandlers  map[int]func()
	legacyHandler func() bool

	// irqLine is the shared legacy line number the device reports.
	irqLine int
}

// NewPCIDev wraps the model in an emulated PCI function. When msix is false
// the device delivers interrupts over the shared legacy line.
func NewPCIDev(model Model, msix bool) *PCIDev {
	return &PCIDev{
		model:        model,
		msix:         msix,
		queuePFN:     make(map[uint16]uint32),
		queueVec:     make(map[uint16]uint16),
		msixHandlers: make(map[int]func()),
		irqLine:      11,
	}
}

// ParseConfig implements virtio.PCIDevice.
func (d *PCIDev) ParseConfig() error {
	d.parsed = true
	return nil
}

// HasBAR1 implements virtio.PCIDevice.
func (d *PCIDev) HasBAR1() bool { return true }

// RevisionID implements virtio.PCIDevice.
func (d *PCIDev) RevisionID() uint8 { return virtio.ABIVersion }

// DeviceID implements virtio.PCIDevice.
func (d *PCIDev) DeviceID() uint16 { return d.model.DeviceID() }

// SetBusMaster implements virtio.PCIDevice.
func (d *PCIDev) SetBusMaster(on bool) { d.busMaster = on }

// MSIXEnable implements virtio.PCIDevice.
func (d *PCIDev) MSIXEnable() bool { return d.msix }

// IsMSIX implements virtio.PCIDevice.
func (d *PCIDev) IsMSIX() bool { return d.msix }

// InterruptLine implements virtio.PCIDevice.
func (d *PCIDev) InterruptLine() int { return d.irqLine }

// RegisterMSIXVector implements virtio.PCIDevice.
func (d *PCIDev) RegisterMSIXVector(vector int, handler func()) error {
	if !d.msix {
		return fmt.Errorf("MSI-X not enabled")
	}
	d.mu.Lock()
	d.msixHandlers[vector] = handler
	d.mu.Unlock()
	return nil
}

// RegisterLegacyIRQ implements virtio.PCIDevice.
func (d *PCIDev) RegisterLegacyIRQ(line int, handler func() bool) error {
	if line != d.irqLine {
		return fmt.Errorf("no such interrupt line %d", line)
	}
	d.mu.Lock()
	prev := d.legacyHandler
	if prev == nil {
		d.legacyHandler = handler
	} else {
		// Shared line: chain handlers, first claimant wins.
		d.legacyHandler = func() bool {
			if prev() {
				return true
			}
			return handler()
		}
	}
	d.mu.Unlock()
	return nil
}

// RaiseQueueInterrupt delivers a completion interrupt for the given queue
// index, via its bound MSI-X vector or the legacy line.
func (d *PCIDev) RaiseQueueInterrupt(idx int) {
	d.mu.Lock()
	var h func()
	var legacy func() bool
	if d.msix {
		h = d.msixHandlers[idx]
	} else {
		d.isr |= 0x1
		legacy = d.legacyHandler
	}
	d.mu.Unlock()

	if h != nil {
		h()
	}
	if legacy != nil {
		legacy()
	}
}

// Register window access. Offsets follow the legacy layout; the
// device-specific config area begins where the transport expects it for the
// current MSI-X state.

func (d *PCIDev) ReadBAR1b(offset uint32) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case 0x12:
		return d.status
	case 0x13:
		// Read-to-clear.
		isr := d.isr
		d.isr = 0
		return isr
	}

	cfg := d.configBase()
	if offset >= cfg {
		space := d.model.ConfigSpace()
		if i := int(offset - cfg); i < len(space) {
			return space[i]
		}
		return 0
	}
	return 0
}

func (d *PCIDev) ReadBAR1w(offset uint32) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case 0x0c:
		return d.model.QueueSize(int(d.queueSel))
	case 0x0e:
		return d.queueSel
	case 0x16:
		return d.queueVec[d.queueSel]
	}
	return uint16(d.readConfigUnlocked(offset)) | uint16(d.readConfigUnlocked(offset+1))<<8
}

func (d *PCIDev) ReadBAR1l(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case 0x00:
		return uint32(d.model.HostFeatures())
	case 0x04:
		return d.guestFeats
	case 0x08:
		return d.queuePFN[d.queueSel]
	}
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(d.readConfigUnlocked(offset+i)) << (8 * i)
	}
	return v
}

func (d *PCIDev) WriteBAR1b(offset uint32, v uint8) {
	d.mu.Lock()
	if offset == 0x12 {
		d.status = v
	}
	d.mu.Unlock()
}

func (d *PCIDev) WriteBAR1w(offset uint32, v uint16) {
	d.mu.Lock()
	switch offset {
	case 0x0e:
		d.queueSel = v
	case 0x16:
		d.queueVec[d.queueSel] = v
	case 0x10:
		d.mu.Unlock()
		// The doorbell runs the device model outside the register lock, as
		// the model may post completions and raise interrupts.
		d.model.Notify(int(v))
		return
	}
	d.mu.Unlock()
}

func (d *PCIDev) WriteBAR1l(offset uint32, v uint32) {
	d.mu.Lock()
	switch offset {
	case 0x04:
		d.guestFeats = v
	case 0x08:
		d.queuePFN[d.queueSel] = v
	}
	d.mu.Unlock()
}

// GuestFeatures returns the feature bitmap the driver wrote back.
func (d *PCIDev) GuestFeatures() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guestFeats
}

func (d *PCIDev) configBase() uint32 {
	if d.msix {
		return 0x18
	}
	return 0x14
}

func (d *PCIDev) readConfigUnlocked(offset uint32) uint8 {
	cfg := d.configBase()
	if offset < cfg {
		return 0
	}
	space := d.model.ConfigSpace()
	if i := int(offset - cfg); i < len(space) {
		return space[i]
	}
	return 0
}

// HW wraps the emulated function in the generic hardware descriptor the
// probe entries consume.
type HW struct {
	Dev *PCIDev
}

// PCI implements virtio.HWDevice.
func (h HW) PCI() (virtio.PCIDevice, bool) { return h.Dev, true }

// QueueFactory returns the factory the drivers use against this device: it
// builds a split queue whose doorbell is the transport kick, and attaches
// the device view to the model.
func (d *PCIDev) QueueFactory() virtio.QueueFactory {
	return func(t *virtio.Transport, size uint16, index int) (virtio.Queue, error) {
		sq, err := virtqueue.NewSplitQueue(int(size), func() { t.Kick(index) })
		if err != nil {
			return nil, err
		}
		d.model.AttachQueue(index, sq)
		return sq, nil
	}
}
