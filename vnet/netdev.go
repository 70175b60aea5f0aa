// Package vnet implements the virtio network device driver: per-queue RX
// polling with merged-buffer reassembly and checksum validation, locked TX
// submission with an offload classifier and lazy descriptor reclaim, and the
// interface control surface.
package vnet

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/nimbus/ifnet"
	"github.com/slackhq/nimbus/virtio"
)

// PCIDeviceID is the transitional device id for virtio network devices.
const PCIDeviceID = 0x1000

// configSize is the size of the net device configuration area this driver
// reads: MAC, status, max virtqueue pairs.
const configSize = 10

// Config is the device-specific configuration area of a net device.
type Config struct {
	// MAC is the interface hardware address.
	MAC [6]byte
	// Status reports link state when FeatureNetStatus is negotiated.
	Status uint16
	// MaxVirtqueuePairs is the number of RX/TX pairs the device supports
	// when FeatureNetMQ is negotiated.
	MaxVirtqueuePairs uint16
}

// Net is one bound virtio network device.
type Net struct {
	t *virtio.Transport
	l *logrus.Logger

	sched ifnet.Scheduler

	id  int
	cfg Config

	// Feature booleans cached from the negotiated set at attach.
	mergeableBufs bool
	linkStatus    bool
	tsoECN        bool
	hostTSOECN    bool
	csum          bool
	guestCsum     bool
	guestTSO4     bool
	hostTSO4      bool
	guestUFO      bool

	// hdrSize is fixed at attach and used for every descriptor.
	hdrSize int

	rxq []*rxQueue
	txq []*txQueue

	// txLock serialises submission and reclaim across all TX queues.
	txLock sync.Mutex

	ifn *ifnet.Interface
}

// Probe binds the net driver when the hardware descriptor carries a virtio
// network device.
func Probe(l *logrus.Logger, hw virtio.HWDevice, sched ifnet.Scheduler, factory virtio.QueueFactory) (*Net, error) {
	dev, ok := hw.PCI()
	if !ok {
		return nil, nil
	}
	if dev.DeviceID() != PCIDeviceID {
		return nil, nil
	}
	return New(l, dev, sched, factory)
}

// New runs the attach sequence against the given PCI device: transport
// attach, feature negotiation, config read, queue discovery, interface
// wiring, RX ring pre-fill and finally the DRIVER_OK status write.
func New(l *logrus.Logger, dev virtio.PCIDevice, sched ifnet.Scheduler, factory virtio.QueueFactory) (*Net, error) {
	t, err := virtio.NewTransport(l, dev)
	if err != nil {
		return nil, fmt.Errorf("virtio-net: %w", err)
	}

	n := &Net{
		t:     t,
		l:     l,
		sched: sched,
		id:    virtio.NextInstance(),
	}

	t.SetupFeatures(n)
	n.readConfig()

	if err := t.ProbeVirtQueues(factory, 2*sched.NumCPU()); err != nil {
		t.Close()
		return nil, fmt.Errorf("virtio-net: probe queues: %w", err)
	}

	pairs := t.NumQueues() / 2
	if pairs == 0 {
		t.Close()
		return nil, fmt.Errorf("virtio-net: %w: no queue pairs", virtio.ErrIO)
	}

	for idx := 0; idx < pairs; idx++ {
		n.rxq = append(n.rxq, newRxQueue(t.VirtQueue(2*idx), idx))
		n.txq = append(n.txq, newTxQueue(t.VirtQueue(2*idx+1)))
	}

	if n.mergeableBufs {
		n.hdrSize = virtio.NetHdrMrgRxbufSize
	} else {
		n.hdrSize = virtio.NetHdrSize
	}

	ifn := ifnet.Alloc("eth", n.id)
	ifn.MTU = etherMTU
	ifn.Softc = n
	ifn.Flags = ifnet.IffBroadcast
	ifn.Ioctl = ifIoctl
	ifn.Transmit = ifTransmit
	ifn.QFlush = ifQFlush
	n.ifn = ifn

	sndLen := 0
	for _, q := range n.txq {
		sndLen += q.vqueue.Size()
	}
	ifn.Snd.SetMaxLen(sndLen)

	ifn.Capabilities = 0
	if n.csum {
		ifn.Capabilities |= ifnet.CapTxCsum
		if n.hostTSO4 {
			ifn.Capabilities |= ifnet.CapTSO4
			ifn.HWAssist = ifnet.AssistTCP | ifnet.AssistUDP | ifnet.AssistTSO
		}
	}
	if n.guestCsum {
		ifn.Capabilities |= ifnet.CapRxCsum
		if n.guestTSO4 {
			ifn.Capabilities |= ifnet.CapLRO
		}
	}
	ifn.CapEnable = ifn.Capabilities | ifnet.CapHWStats

	// Start the polling agents before attaching them to the RX interrupts.
	for idx := range n.rxq {
		go n.receiver(idx)
	}

	ifn.EtherAttach(net.HardwareAddr(n.cfg.MAC[:]))

	for idx := range n.rxq {
		if dev.IsMSIX() {
			rxq, txq := n.rxq[idx], n.txq[idx]
			err = t.RegisterMSIX([]virtio.MSIXBinding{
				{Vector: 2 * idx, Ack: rxq.vqueue.DisableInterrupts, Wake: rxq.waiter},
				{Vector: 2*idx + 1, Ack: txq.vqueue.DisableInterrupts},
			})
		} else {
			idx := idx
			err = t.RegisterLegacy(func() bool { return n.AckIRQ(idx) }, n.rxq[idx].waiter)
		}
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("virtio-net: %w", err)
		}

		n.fillRxRing(idx)
	}

	t.AddDevStatus(virtio.StatusDriverOK)

	l.WithFields(logrus.Fields{
		"interface": ifn.Name,
		"mac":       ifn.MAC.String(),
		"pairs":     pairs,
		"features":  t.NegotiatedFeatures().String(),
	}).Info("virtio-net attached")

	return n, nil
}

// Interface returns the attached Ethernet interface object.
func (n *Net) Interface() *ifnet.Interface { return n.ifn }

// Transport returns the underlying virtio transport.
func (n *Net) Transport() *virtio.Transport { return n.t }

// DriverFeatures implements the transport's negotiation strategy.
func (n *Net) DriverFeatures() virtio.Feature {
	return virtio.FeatureRingIndirectDesc |
		virtio.FeatureRingEventIdx |
		virtio.FeatureNetMAC |
		virtio.FeatureNetMergeRXBuffers |
		virtio.FeatureNetStatus |
		virtio.FeatureNetCsum |
		virtio.FeatureNetGuestCsum |
		virtio.FeatureNetGuestTSO4 |
		virtio.FeatureNetHostECN |
		virtio.FeatureNetHostTSO4 |
		virtio.FeatureNetGuestECN |
		virtio.FeatureNetGuestUFO |
		virtio.FeatureNetMQ
}

// readConfig reads the whole net config area in one shot and caches the
// negotiated feature booleans the datapath consults.
func (n *Net) readConfig() {
	var raw [configSize]byte
	n.t.ReadDevConfig(0, raw[:])

	copy(n.cfg.MAC[:], raw[0:6])
	n.cfg.Status = binary.LittleEndian.Uint16(raw[6:8])
	n.cfg.MaxVirtqueuePairs = binary.LittleEndian.Uint16(raw[8:10])

	if n.t.GuestFeatureBit(virtio.FeatureNetMAC) {
		n.l.WithField("mac", net.HardwareAddr(n.cfg.MAC[:]).String()).Info("virtio-net device mac")
	}

	n.mergeableBufs = n.t.GuestFeatureBit(virtio.FeatureNetMergeRXBuffers)
	n.linkStatus = n.t.GuestFeatureBit(virtio.FeatureNetStatus)
	n.tsoECN = n.t.GuestFeatureBit(virtio.FeatureNetGuestECN)
	n.hostTSOECN = n.t.GuestFeatureBit(virtio.FeatureNetHostECN)
	n.csum = n.t.GuestFeatureBit(virtio.FeatureNetCsum)
	n.guestCsum = n.t.GuestFeatureBit(virtio.FeatureNetGuestCsum)
	n.guestTSO4 = n.t.GuestFeatureBit(virtio.FeatureNetGuestTSO4)
	n.hostTSO4 = n.t.GuestFeatureBit(virtio.FeatureNetHostTSO4)
	n.guestUFO = n.t.GuestFeatureBit(virtio.FeatureNetGuestUFO)

	n.l.WithFields(logrus.Fields{
		"status":   n.linkStatus,
		"tsoECN":   n.tsoECN,
		"hostECN":  n.hostTSOECN,
		"csum":     n.csum,
		"rxCsum":   n.guestCsum,
		"tso4":     n.guestTSO4,
		"hostTSO4": n.hostTSO4,
		"maxPairs": n.cfg.MaxVirtqueuePairs,
	}).Debug("virtio-net features")
}

// AckIRQ handles a legacy shared-line interrupt for the given RX queue. A
// nonzero ISR read means an interrupt was pending: the queue's interrupts
// are disabled and the polling agent gets woken by the caller. A zero read
// is spurious and nothing happens.
func (n *Net) AckIRQ(idx int) bool {
	if n.t.ISRRead() == 0 {
		return false
	}
	n.rxq[idx].vqueue.DisableInterrupts()
	return true
}

// FillStats adds the per-queue totals to the given interface data block. The
// caller must hand in a block with zero TX counters.
func (n *Net) FillStats(out *ifnet.Data) {
	if out.OPackets != 0 || out.OBytes != 0 || out.OErrors != 0 {
		panic("FillStats: output counters must start at zero")
	}
	for idx := range n.rxq {
		n.fillRxQStats(n.rxq[idx], out)
		n.fillTxQStats(n.txq[idx], out)
	}
}

func (n *Net) fillRxQStats(q *rxQueue, out *ifnet.Data) {
	out.IPackets += q.stats.rxPackets
	out.IBytes += q.stats.rxBytes
	out.IQDrops += q.stats.rxDrops
	out.IErrors += q.stats.rxCsumErr
}

func (n *Net) fillTxQStats(q *txQueue, out *ifnet.Data) {
	out.OPackets += q.stats.txPackets
	out.OBytes += q.stats.txBytes
	out.OErrors += q.stats.txErr + q.stats.txDrops
}

// GetInfo copies the interface data block and adds the gathered statistics,
// the stats-query entry point.
func (n *Net) GetInfo() ifnet.Data {
	out := n.ifn.Data
	n.FillStats(&out)
	return out
}

// Detach quiesces and tears the driver down. Traffic must have stopped.
func (n *Net) Detach() error {
	n.ifn.EtherDetach()
	return n.t.Close()
}
