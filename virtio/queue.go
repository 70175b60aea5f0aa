package virtio

// Queue is the driver-side handle to one virtqueue. The ring data structure
// itself lives behind this interface (see virtqueue.SplitQueue for the
// implementation used by the harness); the transport and the device drivers
// only use the operations below.
//
// Queue operations are not internally synchronised. Callers must make sure a
// given queue is never touched by two goroutines at once; the drivers do this
// by construction (one polling agent per RX queue, the TX ring lock on TX
// queues).
type Queue interface {
	// Size returns the number of descriptors in the ring.
	Size() int

	// PhysAddr returns the guest-physical address of the ring memory, used
	// for the queue PFN register write.
	PhysAddr() uint64

	// InitSG starts a new scatter-gather list for the next AddBuf.
	InitSG()

	// AddOutSG appends a device-readable buffer to the pending list.
	AddOutSG(buf []byte)

	// AddInSG appends a device-writable buffer to the pending list.
	AddInSG(buf []byte)

	// SGCount returns the number of buffers in the pending list.
	SGCount() int

	// AddBuf publishes the pending scatter-gather list as one descriptor
	// chain owned by cookie. It reports false when the ring has no room.
	AddBuf(cookie any) bool

	// GetBufElem returns the cookie and written length of the next
	// completion without consuming it. ok is false when the used ring holds
	// nothing new.
	GetBufElem() (cookie any, length uint32, ok bool)

	// GetBufFinalize consumes the completion returned by the last
	// GetBufElem and frees its descriptors.
	GetBufFinalize()

	// GetBufGC frees descriptors of any remaining consumed completions.
	GetBufGC()

	// Kick notifies the device that new descriptors are available, honouring
	// notification suppression.
	Kick() bool

	// UsedRingNotEmpty reports whether the device has posted completions the
	// driver has not reaped yet.
	UsedRingNotEmpty() bool

	// UsedRingCanGC reports whether completed descriptors are waiting to be
	// garbage collected.
	UsedRingCanGC() bool

	// AvailRingNotEmpty reports whether the ring can accept at least one
	// more descriptor chain.
	AvailRingNotEmpty() bool

	// AvailRingHasRoom reports whether the ring can accept n more
	// descriptors.
	AvailRingHasRoom(n int) bool

	// RefillRingCond reports whether the ring is below its low-water mark
	// and should be refilled.
	RefillRingCond() bool

	// EnableInterrupts asks the device to interrupt when it posts the next
	// completion.
	EnableInterrupts()

	// DisableInterrupts asks the device not to interrupt on completions.
	DisableInterrupts()

	// Close releases the ring memory. Only the owning transport calls this,
	// on teardown.
	Close() error
}

// QueuePredicate is a ring-state predicate evaluated by WaitForQueue.
type QueuePredicate func(Queue) bool

// UsedRingNotEmpty is the predicate most waiters care about.
func UsedRingNotEmpty(q Queue) bool { return q.UsedRingNotEmpty() }

// UsedRingCanGC reports pending garbage collection work.
func UsedRingCanGC(q Queue) bool { return q.UsedRingCanGC() }

// QueueFactory constructs the virtqueue for a discovered queue. The factory
// may consult the transport for negotiated ring capabilities
// (IndirectCap/EventIdxCap) and should route Kick through t.Kick(index).
type QueueFactory func(t *Transport, size uint16, index int) (Queue, error)
