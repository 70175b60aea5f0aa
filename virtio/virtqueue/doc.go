// Package virtqueue implements the driver side of a legacy split virtqueue:
// a descriptor table, an available ring and a used ring laid out contiguously
// in one memory region shared with the device.
//
// The drivers consume a [SplitQueue] through the operation set declared by
// the virtio transport; the emulated host in virtsim and the ring tests use
// the [DeviceSide] view of the same memory.
package virtqueue
