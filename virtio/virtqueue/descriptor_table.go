package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would
	// contain no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally,
// because it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [descriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a descriptor table in
// memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// descriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice.
type descriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the index of the head of the descriptor chain which
	// contains all currently unused descriptors. When all descriptors are in
	// use, this has the special value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in
	// use.
	freeNum uint16
}

// newDescriptorTable creates a descriptor table that uses the given
// underlying memory. The length of the memory slice must match the size
// needed for the descriptor table (see [descriptorTableSize]) for the given
// queue size.
func newDescriptorTable(queueSize int, mem []byte) *descriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	dt := &descriptorTable{
		descriptors:   unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		freeHeadIndex: noFreeHead,
		freeNum:       0,
	}
	dt.initializeDescriptors()
	return dt
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *descriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// initializeDescriptors chains all descriptors into one circular free chain.
// Addresses and lengths stay zero until a buffer is attached.
func (dt *descriptorTable) initializeDescriptors() {
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{
			address: 0,
			length:  0,
			// All descriptors should form a free chain that loops around.
			flags: descriptorFlagHasNext,
			next:  uint16((i + 1) % len(dt.descriptors)),
		}
	}

	// All descriptors are free to use now.
	dt.freeHeadIndex = 0
	dt.freeNum = uint16(len(dt.descriptors))
}

// createDescriptorChain builds a chain out of the given device-readable
// buffers (out buffers) followed by the given device-writable buffers (in
// buffers) and returns the index of its head.
//
// When the table does not hold enough free descriptors for the whole chain,
// ErrNotEnoughFreeDescriptors is returned and the table is left unchanged.
func (dt *descriptorTable) createDescriptorChain(outBuffers, inBuffers [][]byte) (uint16, error) {
	numDesc := uint16(len(outBuffers) + len(inBuffers))
	if numDesc == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if numDesc > dt.freeNum {
		return 0, ErrNotEnoughFreeDescriptors
	}

	// Above validation ensured that there is at least one free descriptor,
	// so the free descriptor chain head should be valid.
	if dt.freeHeadIndex == noFreeHead {
		panic("free descriptor chain head is unset but there should be free descriptors")
	}

	// To avoid having to iterate over the whole table to find the descriptor
	// pointing to the head just to replace the free head, we instead always
	// create descriptor chains from the descriptors coming after the head.
	// This way we only have to touch the head as a last resort, when all
	// other descriptors are already used.
	head := dt.descriptors[dt.freeHeadIndex].next
	next := head

	var desc *Descriptor
	for i := uint16(0); i < numDesc; i++ {
		desc = &dt.descriptors[next]

		checkUnusedDescriptorLength(next, desc)

		var buf []byte
		if int(i) < len(outBuffers) {
			buf = outBuffers[i]
			desc.flags = descriptorFlagHasNext
		} else {
			buf = inBuffers[int(i)-len(outBuffers)]
			desc.flags = descriptorFlagHasNext | descriptorFlagWritable
		}

		desc.address = uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
		desc.length = uint32(len(buf))

		next = desc.next
	}

	// The tail of the chain carries no next flag. Remember where the free
	// chain continues.
	tailNext := desc.next
	desc.flags &^= descriptorFlagHasNext

	dt.freeNum -= numDesc

	if dt.freeNum == 0 {
		// The last descriptor in the chain should be the free chain head
		// itself.
		if tailNext != dt.freeHeadIndex {
			panic("descriptor chain takes up all free descriptors but does not end with the free chain head")
		}

		// When this new chain takes up all remaining descriptors, we no
		// longer have a free chain.
		dt.freeHeadIndex = noFreeHead
	} else {
		// We took some descriptors out of the free chain, so make sure to
		// close the circle again.
		dt.descriptors[dt.freeHeadIndex].next = tailNext
	}

	return head, nil
}

// chainBuffer returns the memory the descriptor at the given index points
// at.
func (dt *descriptorTable) chainBuffer(idx uint16) []byte {
	desc := &dt.descriptors[idx]
	if desc.address == 0 || desc.length == 0 {
		return nil
	}
	// The descriptor address points to memory the driver attached, so this
	// conversion is safe. See https://github.com/golang/go/issues/58625
	//goland:noinspection GoVetUnsafePointer
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(desc.address))), desc.length)
}

// freeDescriptorChain puts the descriptor chain that starts with the given
// index back into the free chain, so the descriptors can be used for later
// calls of [createDescriptorChain].
func (dt *descriptorTable) freeDescriptorChain(head uint16) error {
	if int(head) >= len(dt.descriptors) {
		return fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	// Iterate over the chain. The iteration is limited to the queue size to
	// avoid ending up in an endless loop when things go very wrong.
	next := head
	var tailDesc *Descriptor
	var chainLen uint16
	for range len(dt.descriptors) {
		if next == dt.freeHeadIndex {
			return fmt.Errorf("%w: must not be part of the free chain", ErrInvalidDescriptorChain)
		}

		desc := &dt.descriptors[next]
		chainLen++

		// Unused descriptors hold no buffer.
		desc.address = 0
		desc.length = 0

		// Unset all flags except the next flag.
		desc.flags &= descriptorFlagHasNext

		// Is this the tail of the chain?
		if desc.flags&descriptorFlagHasNext == 0 {
			tailDesc = desc
			break
		}

		// Detect loops.
		if desc.next == head {
			return fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}

		next = desc.next
	}
	if tailDesc == nil {
		// A descriptor chain longer than the queue size but without loops
		// should be impossible.
		panic(fmt.Sprintf("could not find a tail for descriptor chain starting at %d", head))
	}

	// The tail descriptor does not have the next flag set, but when it comes
	// back into the free chain, it should have.
	tailDesc.flags = descriptorFlagHasNext

	if dt.freeHeadIndex == noFreeHead {
		// The whole free chain was used up, so we turn this returned
		// descriptor chain into the new free chain by completing the circle
		// and using its head.
		tailDesc.next = head
		dt.freeHeadIndex = head
	} else {
		// Attach the returned chain at the beginning of the free chain but
		// right after the free chain head.
		freeHeadDesc := &dt.descriptors[dt.freeHeadIndex]
		tailDesc.next = freeHeadDesc.next
		freeHeadDesc.next = head
	}

	dt.freeNum += chainLen

	return nil
}

// checkUnusedDescriptorLength asserts that the length of an unused
// descriptor is zero, as it should be. This is not a requirement by the
// virtio spec but rather a thing we do to notice when our algorithm goes
// sideways.
func checkUnusedDescriptorLength(index uint16, desc *Descriptor) {
	if desc.length != 0 {
		panic(fmt.Sprintf("descriptor %d should be unused but has a non-zero length", index))
	}
}
