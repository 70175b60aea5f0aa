package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetHdrEncodeDecode(t *testing.T) {
	hdr := NetHdr{
		Flags:      0x01,
		GSOType:    0x02,
		HdrLen:     0x0304,
		GSOSize:    0x0506,
		CsumStart:  0x0708,
		CsumOffset: 0x090a,
		NumBuffers: 0x0b0c,
	}

	buf := make([]byte, NetHdrMrgRxbufSize)
	require.NoError(t, hdr.Encode(buf, NetHdrMrgRxbufSize))

	assert.Equal(t, []byte{
		0x01, 0x02,
		0x04, 0x03,
		0x06, 0x05,
		0x08, 0x07,
		0x0a, 0x09,
		0x0c, 0x0b,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf, NetHdrMrgRxbufSize))
	assert.Equal(t, hdr, decoded)
}

func TestNetHdrLegacySizeOmitsNumBuffers(t *testing.T) {
	hdr := NetHdr{CsumStart: 14, NumBuffers: 3}

	buf := make([]byte, NetHdrSize)
	require.NoError(t, hdr.Encode(buf, NetHdrSize))

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf, NetHdrSize))
	assert.Equal(t, uint16(14), decoded.CsumStart)
	assert.Zero(t, decoded.NumBuffers)
}

func TestNetHdrBufferTooSmall(t *testing.T) {
	var hdr NetHdr
	buf := make([]byte, NetHdrSize-1)

	assert.ErrorIs(t, hdr.Encode(buf, NetHdrSize), ErrNetHdrBufferTooSmall)
	assert.ErrorIs(t, hdr.Decode(buf, NetHdrSize), ErrNetHdrBufferTooSmall)
}
