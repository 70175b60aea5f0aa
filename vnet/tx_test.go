package vnet

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/slackhq/nimbus/ifnet"
	"github.com/slackhq/nimbus/packet"
	"github.com/slackhq/nimbus/virtio"
	"github.com/slackhq/nimbus/virtio/virtsim"
)

func TestTxOffloadIdentity(t *testing.T) {
	n := &Net{l: testLogger(), tsoECN: true}

	frame := ethFrame(t, false, &layers.TCP{SrcPort: 1, DstPort: 2}, []byte("data"))
	m := packet.FromBytes(frame)
	defer m.Release()

	var hdr virtio.NetHdr
	out := n.txOffload(m, &hdr)

	require.Same(t, m, out)
	assert.Zero(t, hdr.Flags)
	assert.Zero(t, hdr.GSOType)
	assert.Zero(t, hdr.CsumStart)
}

func TestTxOffloadChecksumOnly(t *testing.T) {
	n := &Net{l: testLogger(), tsoECN: true}

	frame := ethFrame(t, false, &layers.TCP{SrcPort: 1, DstPort: 2}, []byte("data"))
	m := packet.FromBytes(frame)
	defer m.Release()
	m.Hdr.CsumFlags = packet.CsumTCP
	m.Hdr.CsumData = tcpCsumFieldOffset

	var hdr virtio.NetHdr
	out := n.txOffload(m, &hdr)
	require.NotNil(t, out)

	// 14 byte Ethernet header plus a 5 word IPv4 header.
	assert.Equal(t, uint16(34), hdr.CsumStart)
	assert.Equal(t, uint16(tcpCsumFieldOffset), hdr.CsumOffset)
	assert.NotZero(t, hdr.Flags&unix.VIRTIO_NET_HDR_F_NEEDS_CSUM)

	// No segmentation was requested, so no GSO fields.
	assert.Zero(t, hdr.GSOType)
	assert.Zero(t, hdr.GSOSize)
	assert.Zero(t, hdr.HdrLen)
}

func TestTxOffloadVLANTransparency(t *testing.T) {
	n := &Net{l: testLogger(), tsoECN: true}

	plain := ethFrame(t, false, &layers.TCP{SrcPort: 1, DstPort: 2}, []byte("data"))
	tagged := ethFrame(t, true, &layers.TCP{SrcPort: 1, DstPort: 2}, []byte("data"))

	var plainHdr, taggedHdr virtio.NetHdr

	mp := packet.FromBytes(plain)
	defer mp.Release()
	mp.Hdr.CsumFlags = packet.CsumTCP
	mp.Hdr.CsumData = tcpCsumFieldOffset
	require.NotNil(t, n.txOffload(mp, &plainHdr))

	mt := packet.FromBytes(tagged)
	defer mt.Release()
	mt.Hdr.CsumFlags = packet.CsumTCP
	mt.Hdr.CsumData = tcpCsumFieldOffset
	require.NotNil(t, n.txOffload(mt, &taggedHdr))

	// One 802.1Q tag shifts the checksum start by exactly four bytes.
	assert.Equal(t, plainHdr.CsumStart+4, taggedHdr.CsumStart)
}

func TestTxOffloadNonIPv4Passthrough(t *testing.T) {
	n := &Net{l: testLogger(), tsoECN: true}

	frame := ethFrame(t, false, &layers.TCP{SrcPort: 1, DstPort: 2}, []byte("data"))
	frame[12] = 0x86
	frame[13] = 0xdd

	m := packet.FromBytes(frame)
	defer m.Release()
	m.Hdr.CsumFlags = packet.CsumTCP

	var hdr virtio.NetHdr
	out := n.txOffload(m, &hdr)
	require.Same(t, m, out)
	assert.Zero(t, hdr.Flags)
}

func TestTxOffloadTSO(t *testing.T) {
	n := &Net{l: testLogger(), tsoECN: true}

	frame := ethFrame(t, false, &layers.TCP{SrcPort: 1, DstPort: 2}, []byte("data"))
	m := packet.FromBytes(frame)
	defer m.Release()
	m.Hdr.CsumFlags = packet.CsumTCP | packet.CsumTSO
	m.Hdr.CsumData = tcpCsumFieldOffset
	m.Hdr.TsoSegsz = 1448

	var hdr virtio.NetHdr
	require.NotNil(t, n.txOffload(m, &hdr))

	assert.Equal(t, uint8(unix.VIRTIO_NET_HDR_GSO_TCPV4), hdr.GSOType)
	// 34 bytes of L2+L3 headers plus a 5 word TCP header.
	assert.Equal(t, uint16(34+20), hdr.HdrLen)
	assert.Equal(t, uint16(1448), hdr.GSOSize)
}

func TestTxOffloadTSONonTCP(t *testing.T) {
	n := &Net{l: testLogger(), tsoECN: true}

	frame := ethFrame(t, false, &layers.UDP{SrcPort: 1, DstPort: 2}, []byte("data"))
	m := packet.FromBytes(frame)
	defer m.Release()
	m.Hdr.CsumFlags = packet.CsumTSO
	m.Hdr.TsoSegsz = 1448

	var hdr virtio.NetHdr
	out := n.txOffload(m, &hdr)

	// The device will not segment non-TCP payloads; the packet goes out
	// without TSO fields.
	require.Same(t, m, out)
	assert.Zero(t, hdr.GSOType)
	assert.Zero(t, hdr.GSOSize)
}

func TestTxOffloadECN(t *testing.T) {
	cwr := &layers.TCP{SrcPort: 1, DstPort: 2, CWR: true}

	t.Run("host supports ECN", func(t *testing.T) {
		n := &Net{l: testLogger(), tsoECN: true}

		m := packet.FromBytes(ethFrame(t, false, cwr, []byte("data")))
		defer m.Release()
		m.Hdr.CsumFlags = packet.CsumTSO
		m.Hdr.TsoSegsz = 1448

		var hdr virtio.NetHdr
		require.NotNil(t, n.txOffload(m, &hdr))
		assert.NotZero(t, hdr.GSOType&unix.VIRTIO_NET_HDR_GSO_ECN)
	})

	t.Run("host lacks ECN", func(t *testing.T) {
		n := &Net{l: testLogger(), tsoECN: false}

		m := packet.FromBytes(ethFrame(t, false, cwr, []byte("data")))
		m.Hdr.CsumFlags = packet.CsumTSO
		m.Hdr.TsoSegsz = 1448

		var hdr virtio.NetHdr
		assert.Nil(t, n.txOffload(m, &hdr))
	})
}

func TestTxLockedECNFailureCountsError(t *testing.T) {
	h := newTestNet(t, testFeaturesAll&^virtio.FeatureNetGuestECN, 1, true)

	m := packet.FromBytes(ethFrame(t, false, &layers.TCP{SrcPort: 1, DstPort: 2, CWR: true}, []byte("data")))
	m.Hdr.CsumFlags = packet.CsumTSO
	m.Hdr.TsoSegsz = 1448

	h.n.txLock.Lock()
	err := h.n.TxLocked(0, m, false)
	h.n.txLock.Unlock()

	require.ErrorIs(t, err, virtio.ErrInvalidPacket)
	assert.Equal(t, uint64(1), h.n.txq[0].stats.txErr)
	assert.Zero(t, h.n.txq[0].stats.txPackets)
}

func TestTxTransmitAndStats(t *testing.T) {
	h := newTestNet(t, testFeaturesAll, 1, true)
	h.model.autoTx = true

	frame := ethFrame(t, false, &layers.TCP{SrcPort: 1, DstPort: 2}, []byte("payload"))
	m := packet.FromBytes(append([]byte(nil), frame...))
	m.Hdr.CsumFlags = packet.CsumTCP
	m.Hdr.CsumData = tcpCsumFieldOffset

	ifn := h.n.Interface()
	require.NoError(t, ifn.Transmit(ifn, m))

	stats := h.n.txq[0].stats
	assert.Equal(t, uint64(1), stats.txPackets)
	assert.Equal(t, uint64(len(frame)), stats.txBytes)
	assert.Equal(t, uint64(1), stats.txCsum)
	assert.Zero(t, stats.txTso)

	// The device saw header plus frame.
	h.model.mu.Lock()
	defer h.model.mu.Unlock()
	require.Len(t, h.model.txFrames, 1)
	assert.Equal(t, frame, h.model.txFrames[0][h.n.hdrSize:])
}

func TestTxBackpressureGC(t *testing.T) {
	h := newTestNet(t, testFeaturesAll, 1, true)
	// The device is stalled: nothing is completed until the test says so.

	frame := ethFrame(t, false, &layers.UDP{SrcPort: 1, DstPort: 2}, []byte("x"))

	send := func() error {
		m := packet.FromBytes(append([]byte(nil), frame...))
		h.n.txLock.Lock()
		defer h.n.txLock.Unlock()
		return h.n.TxLocked(0, m, false)
	}

	// Each submission takes two descriptors (header + one fragment), so a
	// 256 entry ring fits 128 in-flight packets.
	for i := 0; i < 128; i++ {
		require.NoError(t, send(), "submission %d", i)
	}

	// Ring full, nothing completed: fail fast with NO_BUFFER_SPACE.
	err := send()
	require.ErrorIs(t, err, virtio.ErrNoBufferSpace)
	assert.Equal(t, uint64(1), h.n.txq[0].stats.txDrops)

	// The device completes a few without an interrupt. The next submission
	// garbage collects inline and succeeds.
	require.Equal(t, 4, h.model.completeTx(1, 4))
	require.NoError(t, send())

	stats := h.n.txq[0].stats
	assert.Equal(t, uint64(129), stats.txPackets)
	assert.Equal(t, uint64(1), stats.txDrops)
}

func TestPickTxqBounded(t *testing.T) {
	h := newTestNet(t, testFeaturesAll, 1, true)

	sched := h.n.sched.(*virtsim.FixedScheduler)
	sched.CPU = 5

	m := packet.FromBytes([]byte{1})
	defer m.Release()
	assert.Equal(t, 0, h.n.PickTxq(m))
}

func TestFillStatsAggregation(t *testing.T) {
	h := newTestNet(t, testFeaturesAll, 1, true)

	h.n.rxq[0].stats = rxQueueStats{rxPackets: 3, rxBytes: 300, rxDrops: 1, rxCsumErr: 2}
	h.n.txq[0].stats = txQueueStats{txPackets: 5, txBytes: 500, txDrops: 1, txErr: 2}

	var out ifnet.Data
	h.n.FillStats(&out)

	assert.Equal(t, uint64(3), out.IPackets)
	assert.Equal(t, uint64(300), out.IBytes)
	assert.Equal(t, uint64(1), out.IQDrops)
	assert.Equal(t, uint64(2), out.IErrors)
	assert.Equal(t, uint64(5), out.OPackets)
	assert.Equal(t, uint64(500), out.OBytes)
	assert.Equal(t, uint64(3), out.OErrors)
}

func TestFillStatsAssertsZeroTxCounters(t *testing.T) {
	h := newTestNet(t, testFeaturesAll, 1, true)

	out := ifnet.Data{OPackets: 1}
	assert.Panics(t, func() { h.n.FillStats(&out) })
}
