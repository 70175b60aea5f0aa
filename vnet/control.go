package vnet

import (
	"github.com/slackhq/nimbus/ifnet"
	"github.com/slackhq/nimbus/packet"
)

// etherMTU is the default Ethernet MTU.
const etherMTU = 1500

// ifIoctl is the interface control handler. MTU changes and multicast
// membership updates are accepted silently; flag changes map the
// administrative up/down state onto the running driver flag; everything else
// goes to the generic Ethernet handler.
func ifIoctl(ifp *ifnet.Interface, cmd ifnet.IoctlCmd, data any) error {
	n := ifp.Softc.(*Net)
	n.l.WithField("cmd", int(cmd)).Debug("virtio-net ioctl")

	switch cmd {
	case ifnet.CmdSetMTU:
		n.l.Debug("virtio-net: set mtu")
		return nil
	case ifnet.CmdSetFlags:
		if ifp.Flags&ifnet.IffUp != 0 {
			ifp.SetDrvRunning(true)
			n.l.Debug("virtio-net: if up")
		} else {
			ifp.SetDrvRunning(false)
			n.l.Debug("virtio-net: if down")
		}
		return nil
	case ifnet.CmdAddMulti, ifnet.CmdDelMulti:
		return nil
	default:
		return ifnet.EtherIoctl(ifp, cmd, data)
	}
}

// ifTransmit submits a single packet: pick a queue by CPU, submit under the
// TX ring lock, then ring the doorbell once the lock is dropped, on success
// only.
func ifTransmit(ifp *ifnet.Interface, m *packet.Packet) error {
	n := ifp.Softc.(*Net)

	n.txLock.Lock()
	idx := n.PickTxq(m)
	err := n.TxLocked(idx, m, false)
	n.txLock.Unlock()

	if err != nil {
		n.l.WithError(err).Debug("virtio-net transmit failed")
		return err
	}

	n.t.Kick(2*idx + 1)
	return nil
}

// ifQFlush invalidates the local TX queues. The driver keeps no local
// transmit queue, so only the upper-layer send queue is flushed.
func ifQFlush(ifp *ifnet.Interface) {
	ifp.Snd.Flush()
}
