package ifnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocNamesInterface(t *testing.T) {
	ifp := Alloc("eth", 3)
	assert.Equal(t, "eth3", ifp.Name)
	assert.Equal(t, 3, ifp.Unit)
	assert.False(t, ifp.Attached())
}

func TestEtherAttachDetach(t *testing.T) {
	ifp := Alloc("eth", 0)
	mac := net.HardwareAddr{2, 0, 0, 0, 0, 1}

	ifp.EtherAttach(mac)
	assert.True(t, ifp.Attached())
	assert.True(t, ifp.DrvRunning())
	assert.Equal(t, mac, ifp.MAC)

	ifp.EtherDetach()
	assert.False(t, ifp.Attached())
	assert.False(t, ifp.DrvRunning())
}

func TestSetDrvRunningPreservesOtherFlags(t *testing.T) {
	ifp := Alloc("eth", 0)
	const otherFlag = 1 << 5
	ifp.drvFlags.Store(otherFlag)

	ifp.SetDrvRunning(true)
	assert.True(t, ifp.DrvRunning())
	assert.Equal(t, uint32(otherFlag|IffDrvRunning), ifp.drvFlags.Load())
	ifp.SetDrvRunning(false)
	assert.False(t, ifp.DrvRunning())
	assert.Equal(t, uint32(otherFlag), ifp.drvFlags.Load())
}

func TestEtherIoctlSetMTU(t *testing.T) {
	ifp := Alloc("eth", 0)

	require.NoError(t, EtherIoctl(ifp, CmdSetMTU, 9000))
	assert.Equal(t, 9000, ifp.MTU)

	assert.Error(t, EtherIoctl(ifp, CmdSetMTU, "bogus"))
	assert.Error(t, EtherIoctl(ifp, IoctlCmd(99), nil))
}

func TestSendQueueFlush(t *testing.T) {
	ifp := Alloc("eth", 0)

	flushed := 0
	ifp.Snd.FlushFn = func() { flushed++ }
	ifp.Snd.SetMaxLen(512)

	ifp.Snd.Flush()
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 512, ifp.Snd.MaxLen())
}
