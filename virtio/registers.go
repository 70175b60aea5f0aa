package virtio

// Register offsets into BAR-1 for the legacy ("ABI version 0") virtio PCI
// transport.
const (
	// regHostFeatures is the 32-bit bitmap of features offered by the device.
	regHostFeatures = 0x00
	// regGuestFeatures is the 32-bit bitmap of features accepted by the
	// driver.
	regGuestFeatures = 0x04
	// regQueuePFN holds the physical page number of the selected queue.
	regQueuePFN = 0x08
	// regQueueNum reports the size of the selected queue; zero means the
	// queue does not exist.
	regQueueNum = 0x0c
	// regQueueSel selects the queue the PFN/NUM/vector registers refer to.
	regQueueSel = 0x0e
	// regQueueNotify is the doorbell; writing a queue index notifies the
	// device about new available buffers.
	regQueueNotify = 0x10
	// regStatus is the device status byte.
	regStatus = 0x12
	// regISR is the legacy interrupt status, read-to-clear.
	regISR = 0x13
	// regMSIConfigVector binds the configuration-change interrupt when MSI-X
	// is enabled.
	regMSIConfigVector = 0x14
	// regMSIQueueVector binds the selected queue's interrupt when MSI-X is
	// enabled.
	regMSIQueueVector = 0x16
)

// Device-specific configuration begins past the common register window. The
// MSI-X vector registers are only present when MSI-X is enabled, which shifts
// the window.
const (
	configOffset     = 0x14
	configOffsetMSIX = 0x18
)

const (
	// ABIVersion is the PCI revision id implementing the legacy layout.
	ABIVersion = 0

	// PCIVendorID is the virtio PCI vendor.
	PCIVendorID = 0x1af4

	// PCIDeviceIDMin and PCIDeviceIDMax bound the id range assigned to
	// virtio transitional devices.
	PCIDeviceIDMin = 0x1000
	PCIDeviceIDMax = 0x103f

	// QueueAddrShift converts a queue's physical address into the page
	// number written to regQueuePFN.
	QueueAddrShift = 12

	// MaxVirtQueues caps queue discovery.
	MaxVirtQueues = 64
)

// Device status bits, set by the driver as it brings the device up.
type Status uint8

const (
	// StatusReset is written to return the device to its initial state.
	StatusReset Status = 0

	// StatusAcknowledge means the guest has noticed the device.
	StatusAcknowledge Status = 1

	// StatusDriver means the guest knows how to drive the device.
	StatusDriver Status = 2

	// StatusDriverOK means the driver is set up and ready to drive the
	// device. Queues must be discovered and wired before this is set.
	StatusDriverOK Status = 4

	// StatusFailed means the guest has given up on the device. Terminal.
	StatusFailed Status = 0x80
)
