package virtqueue

import (
	"fmt"
	"unsafe"
)

// NotifyFunc is the doorbell the queue rings on Kick. The transport supplies
// one that writes the queue-notify register.
type NotifyFunc func()

// SplitQueue is a virtqueue that consists of several parts, where each part
// is writeable by either the driver or the device, but not both. It
// implements the queue operation set the transport and the device drivers
// consume.
//
// Operations are not internally synchronised; the caller must exclude
// concurrent driver-side access to the same queue. The device writes the
// used ring concurrently by design, exactly like real hardware would.
type SplitQueue struct {
	// size is the size of the queue.
	size int
	// buf is the underlying memory used for the queue.
	buf []byte

	descriptorTable *descriptorTable
	availableRing   *availableRing
	usedRing        *usedRing

	notify NotifyFunc

	// cookies maps the head index of every in-flight descriptor chain to
	// the owner handed to AddBuf.
	cookies map[uint16]any

	// sgOut and sgIn stage the buffers between InitSG and AddBuf.
	sgOut [][]byte
	sgIn  [][]byte

	// pending is the completion returned by the last GetBufElem, waiting
	// for GetBufFinalize.
	pending    UsedElement
	hasPending bool
}

// NewSplitQueue allocates a new [SplitQueue] in memory. The given queue size
// specifies the number of entries/buffers the queue can hold.
func NewSplitQueue(queueSize int, notify NotifyFunc) (*SplitQueue, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	sq := SplitQueue{
		size:    queueSize,
		notify:  notify,
		cookies: make(map[uint16]any, queueSize),
	}

	// There are multiple ways for how the memory for the virtqueue could be
	// allocated. We could use Go native structs with arrays inside them, but
	// this wouldn't allow us to make the queue size configurable. To resolve
	// this, allocate one contiguous buffer and view its parts through
	// unsafe slices, honouring the alignment the virtio specification
	// requires for each part.
	descriptorTableStart := 0
	descriptorTableEnd := descriptorTableStart + descriptorTableSize(queueSize)
	availableRingStart := align(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(queueSize)
	usedRingStart := align(availableRingEnd, usedRingAlignment)
	usedRingEnd := usedRingStart + usedRingSize(queueSize)

	// Over-allocate so the descriptor table can start on a page boundary,
	// which keeps the PFN register write exact.
	raw := make([]byte, usedRingEnd+int(pageSize))
	off := int(pageSize - uintptr(unsafe.Pointer(&raw[0]))%pageSize)
	sq.buf = raw[off : off+usedRingEnd]

	sq.descriptorTable = newDescriptorTable(queueSize, sq.buf[descriptorTableStart:descriptorTableEnd])
	sq.availableRing = newAvailableRing(queueSize, sq.buf[availableRingStart:availableRingEnd])
	sq.usedRing = newUsedRing(queueSize, sq.buf[usedRingStart:usedRingEnd])

	return &sq, nil
}

// Size returns the size of this queue, which is the number of entries/
// buffers this queue can hold.
func (sq *SplitQueue) Size() int {
	return sq.size
}

// PhysAddr returns the guest-physical address of the queue memory. The
// transport shifts it into a page frame number for the device.
func (sq *SplitQueue) PhysAddr() uint64 {
	return uint64(sq.descriptorTable.Address())
}

// InitSG starts a new scatter-gather list.
func (sq *SplitQueue) InitSG() {
	sq.sgOut = sq.sgOut[:0]
	sq.sgIn = sq.sgIn[:0]
}

// AddOutSG appends a device-readable buffer to the pending scatter-gather
// list.
func (sq *SplitQueue) AddOutSG(buf []byte) {
	sq.sgOut = append(sq.sgOut, buf)
}

// AddInSG appends a device-writable buffer to the pending scatter-gather
// list.
func (sq *SplitQueue) AddInSG(buf []byte) {
	sq.sgIn = append(sq.sgIn, buf)
}

// SGCount returns the number of buffers staged for the next AddBuf.
func (sq *SplitQueue) SGCount() int {
	return len(sq.sgOut) + len(sq.sgIn)
}

// AddBuf publishes the staged scatter-gather list as one descriptor chain
// owned by cookie. It reports false when the table has no room for the whole
// chain.
func (sq *SplitQueue) AddBuf(cookie any) bool {
	head, err := sq.descriptorTable.createDescriptorChain(sq.sgOut, sq.sgIn)
	if err != nil {
		return false
	}

	sq.cookies[head] = cookie
	sq.availableRing.offerSingle(head)
	return true
}

// GetBufElem peeks the next completion the device posted. The returned
// cookie is the owner handed to AddBuf; length is the number of bytes the
// device wrote. The completion stays pending until GetBufFinalize.
func (sq *SplitQueue) GetBufElem() (any, uint32, bool) {
	if !sq.hasPending {
		elem, ok := sq.usedRing.takeOne()
		if !ok {
			return nil, 0, false
		}
		sq.pending = elem
		sq.hasPending = true
	}
	cookie := sq.cookies[sq.pending.GetHead()]
	return cookie, sq.pending.Length, true
}

// GetBufFinalize consumes the pending completion: its descriptors go back to
// the free chain and the cookie reference is dropped.
func (sq *SplitQueue) GetBufFinalize() {
	if !sq.hasPending {
		return
	}
	head := sq.pending.GetHead()
	if err := sq.descriptorTable.freeDescriptorChain(head); err != nil {
		panic(fmt.Sprintf("free used descriptor chain %d: %v", head, err))
	}
	delete(sq.cookies, head)
	sq.hasPending = false
}

// GetBufGC frees the descriptors of every remaining consumed completion.
func (sq *SplitQueue) GetBufGC() {
	for {
		if _, _, ok := sq.GetBufElem(); !ok {
			return
		}
		sq.GetBufFinalize()
	}
}

// Kick notifies the device about new available buffers, unless the device
// advised against it. It reports whether a notification was sent.
func (sq *SplitQueue) Kick() bool {
	if sq.usedRing.notifySuppressed() {
		return false
	}
	if sq.notify != nil {
		sq.notify()
	}
	return true
}

// UsedRingNotEmpty reports whether the device has posted completions the
// driver has not reaped yet.
func (sq *SplitQueue) UsedRingNotEmpty() bool {
	return sq.hasPending || sq.usedRing.availableToTake() > 0
}

// UsedRingCanGC reports whether completed descriptors are waiting to be
// garbage collected.
func (sq *SplitQueue) UsedRingCanGC() bool {
	return sq.UsedRingNotEmpty()
}

// AvailRingNotEmpty reports whether the ring can accept at least one more
// descriptor chain.
func (sq *SplitQueue) AvailRingNotEmpty() bool {
	return sq.descriptorTable.freeNum > 0
}

// AvailRingHasRoom reports whether the ring can accept n more descriptors.
func (sq *SplitQueue) AvailRingHasRoom(n int) bool {
	return int(sq.descriptorTable.freeNum) >= n
}

// RefillRingCond reports whether the ring dropped below its low-water mark:
// half or more of the descriptors are back in the free chain.
func (sq *SplitQueue) RefillRingCond() bool {
	return int(sq.descriptorTable.freeNum) >= sq.size/2
}

// EnableInterrupts asks the device to interrupt when it posts the next
// completion.
func (sq *SplitQueue) EnableInterrupts() {
	sq.availableRing.suppressInterrupts(false)
}

// DisableInterrupts asks the device not to interrupt on completions.
func (sq *SplitQueue) DisableInterrupts() {
	sq.availableRing.suppressInterrupts(true)
}

// Close drops the ring memory. The owning transport calls this on teardown,
// after the device has been reset.
func (sq *SplitQueue) Close() error {
	sq.buf = nil
	sq.descriptorTable = nil
	sq.availableRing = nil
	sq.usedRing = nil
	sq.cookies = nil
	return nil
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
