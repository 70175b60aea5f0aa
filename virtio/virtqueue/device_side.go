package virtqueue

// DeviceBuffer is one buffer of a descriptor chain as the device sees it.
type DeviceBuffer struct {
	// Data is the buffer memory. Device-writable buffers may be written
	// through this slice.
	Data []byte
	// Writable reports whether the driver marked the buffer device-writable.
	Writable bool
}

// DeviceSide is the device's view of a [SplitQueue]. The emulated host in
// virtsim and the ring tests use it to play the device role: consume the
// available ring, read and write chain buffers, and post completions to the
// used ring.
type DeviceSide struct {
	sq *SplitQueue

	// lastAvailIdx is the available-ring index up to which the device has
	// consumed entries.
	lastAvailIdx uint16
}

// DeviceView returns the device side of the queue.
func (sq *SplitQueue) DeviceView() *DeviceSide {
	return &DeviceSide{sq: sq}
}

// AvailNotEmpty reports whether the driver has offered chains the device has
// not consumed yet.
func (ds *DeviceSide) AvailNotEmpty() bool {
	return ds.lastAvailIdx != *ds.sq.availableRing.ringIndex
}

// PopAvail consumes the next offered descriptor chain and returns its head
// index.
func (ds *DeviceSide) PopAvail() (uint16, bool) {
	r := ds.sq.availableRing
	if ds.lastAvailIdx == *r.ringIndex {
		return 0, false
	}
	head := r.ring[int(ds.lastAvailIdx)%len(r.ring)]
	ds.lastAvailIdx++
	return head, true
}

// ReadChain walks the descriptor chain starting at head and returns its
// buffers in order.
func (ds *DeviceSide) ReadChain(head uint16) []DeviceBuffer {
	dt := ds.sq.descriptorTable
	var bufs []DeviceBuffer

	next := head
	for range len(dt.descriptors) {
		desc := &dt.descriptors[next]
		bufs = append(bufs, DeviceBuffer{
			Data:     dt.chainBuffer(next),
			Writable: desc.flags&descriptorFlagWritable != 0,
		})
		if desc.flags&descriptorFlagHasNext == 0 {
			break
		}
		next = desc.next
	}

	return bufs
}

// PushUsed posts a completion for the chain at head, with the number of
// bytes the device wrote into its writable buffers.
func (ds *DeviceSide) PushUsed(head uint16, written uint32) {
	r := ds.sq.usedRing
	insertIndex := int(*r.ringIndex) % len(r.ring)
	r.ring[insertIndex] = UsedElement{
		DescriptorIndex: uint32(head),
		Length:          written,
	}
	*r.ringIndex += 1
}

// InterruptsSuppressed reports whether the driver asked not to be
// interrupted on completions.
func (ds *DeviceSide) InterruptsSuppressed() bool {
	return ds.sq.availableRing.interruptsSuppressed()
}

// SuppressNotify advises the driver not to kick on new available buffers.
func (ds *DeviceSide) SuppressNotify(on bool) {
	if on {
		*ds.sq.usedRing.flags |= usedRingFlagNoNotify
	} else {
		*ds.sq.usedRing.flags &^= usedRingFlagNoNotify
	}
}
