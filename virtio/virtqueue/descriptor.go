package virtqueue

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota

	// descriptorFlagWritable marks a descriptor as device write-only
	// (otherwise device read-only).
	descriptorFlagWritable
)

// Descriptor describes one buffer within the descriptor table, as laid out
// in memory by the virtio specification.
type Descriptor struct {
	// address is the guest-physical address of the buffer.
	address uint64
	// length of the buffer in bytes.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next index, only valid when descriptorFlagHasNext is set.
	next uint16
}
