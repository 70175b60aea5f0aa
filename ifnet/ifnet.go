// Package ifnet holds the Ethernet interface object the net driver attaches
// to. It is the upward-facing contract: the driver fills capabilities and
// statistics, hands received packets to the classifier fast path or the
// input hook, and receives transmits through the Transmit hook.
package ifnet

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/slackhq/nimbus/packet"
)

// Interface administrative flags.
const (
	IffUp        = 1 << 0
	IffBroadcast = 1 << 1
)

// Driver flags.
const (
	// IffDrvRunning is set while the driver is willing to move packets.
	IffDrvRunning = 1 << 0
)

// Capability bits, advertised by the driver as a function of its negotiated
// features.
const (
	CapTxCsum  = 1 << 0
	CapRxCsum  = 1 << 1
	CapTSO4    = 1 << 2
	CapLRO     = 1 << 3
	CapHWStats = 1 << 4
)

// Hardware-assist bits mirror the packet checksum request flags.
const (
	AssistTCP = packet.CsumTCP
	AssistUDP = packet.CsumUDP
	AssistTSO = packet.CsumTSO
)

// Ioctl commands the interface understands.
type IoctlCmd int

const (
	CmdSetMTU IoctlCmd = iota + 1
	CmdSetFlags
	CmdAddMulti
	CmdDelMulti
)

// Data is the interface statistics block, filled by the stats query.
type Data struct {
	IPackets uint64
	IBytes   uint64
	IQDrops  uint64
	IErrors  uint64
	OPackets uint64
	OBytes   uint64
	OErrors  uint64
}

// Classifier is the fast-path hook consulted before the input hook. When
// PostPacket consumes the packet it returns true and the slow path is
// skipped.
type Classifier interface {
	PostPacket(*packet.Packet) bool
}

// SendQueue is the upper-layer transmit queue attached to an interface. The
// driver only sets its depth and flushes it.
type SendQueue struct {
	maxLen int

	// FlushFn empties the queue. Installed by the queue owner.
	FlushFn func()
}

// SetMaxLen sets the queue depth.
func (q *SendQueue) SetMaxLen(n int) { q.maxLen = n }

// MaxLen returns the queue depth.
func (q *SendQueue) MaxLen() int { return q.maxLen }

// Flush empties the queue when the owner installed a flush hook.
func (q *SendQueue) Flush() {
	if q.FlushFn != nil {
		q.FlushFn()
	}
}

// Scheduler is the per-CPU view the driver uses to pin polling agents and to
// pick transmit queues.
type Scheduler interface {
	// CurrentCPU returns the id of the CPU the caller runs on.
	CurrentCPU() int
	// NumCPU returns the number of CPUs.
	NumCPU() int
	// Pin asks the scheduler to keep the calling goroutine near cpu. It is
	// advisory.
	Pin(cpu int)
}

// Interface is one attached Ethernet interface.
type Interface struct {
	Name string
	Unit int
	MTU  int

	// Softc is the opaque back-reference to the owning driver, borrowed for
	// the interface's lifetime.
	Softc any

	Flags uint32

	// drvFlags is read by the RX drain loop while the control surface may
	// be writing it.
	drvFlags atomic.Uint32

	Capabilities uint32
	CapEnable    uint32
	HWAssist     uint32

	// Data holds the base interface counters the stats query starts from.
	Data Data

	Snd SendQueue

	MAC net.HardwareAddr

	// Classifier is the fast-path packet hook. May be nil.
	Classifier Classifier

	// Input is the slow-path packet input into the host stack.
	Input func(*Interface, *packet.Packet)

	// Transmit submits one packet to the driver.
	Transmit func(*Interface, *packet.Packet) error

	// QFlush invalidates the upper-layer send queue.
	QFlush func(*Interface)

	// Ioctl is the driver's control handler.
	Ioctl func(*Interface, IoctlCmd, any) error

	attached atomic.Bool
}

// Alloc returns a fresh Ethernet interface named prefix+unit.
func Alloc(prefix string, unit int) *Interface {
	return &Interface{
		Name: fmt.Sprintf("%s%d", prefix, unit),
		Unit: unit,
	}
}

// EtherAttach marks the interface live with the given hardware address.
func (ifp *Interface) EtherAttach(mac net.HardwareAddr) {
	ifp.MAC = append(net.HardwareAddr(nil), mac...)
	ifp.SetDrvRunning(true)
	ifp.attached.Store(true)
}

// EtherDetach marks the interface gone.
func (ifp *Interface) EtherDetach() {
	ifp.SetDrvRunning(false)
	ifp.attached.Store(false)
}

// Attached reports whether EtherAttach has run.
func (ifp *Interface) Attached() bool { return ifp.attached.Load() }

// DrvRunning reports whether the driver is moving packets.
func (ifp *Interface) DrvRunning() bool {
	return ifp.drvFlags.Load()&IffDrvRunning != 0
}

// SetDrvRunning flips the running driver flag.
func (ifp *Interface) SetDrvRunning(on bool) {
	for {
		old := ifp.drvFlags.Load()
		var val uint32
		if on {
			val = old | IffDrvRunning
		} else {
			val = old &^ IffDrvRunning
		}
		if ifp.drvFlags.CompareAndSwap(old, val) {
			return
		}
	}
}

// EtherIoctl is the generic Ethernet control fallback for commands the
// driver does not handle itself.
func EtherIoctl(ifp *Interface, cmd IoctlCmd, data any) error {
	switch cmd {
	case CmdSetMTU:
		if mtu, ok := data.(int); ok {
			ifp.MTU = mtu
			return nil
		}
		return fmt.Errorf("set mtu: unexpected argument %T", data)
	default:
		return fmt.Errorf("unsupported interface control %d", cmd)
	}
}
