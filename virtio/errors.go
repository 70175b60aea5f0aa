package virtio

import "errors"

var (
	// ErrNoBufferSpace is returned when a queue cannot accept more
	// descriptors and garbage collection did not free any.
	ErrNoBufferSpace = errors.New("no buffer space available on the queue")

	// ErrInvalidPacket is returned when a packet cannot be classified for
	// offload because it is malformed.
	ErrInvalidPacket = errors.New("packet is not well-formed")

	// ErrInvalidFeature is returned when a required feature was not offered
	// by the device.
	ErrInvalidFeature = errors.New("required feature not offered by device")

	// ErrWrongABI is returned when the device does not implement the legacy
	// register layout this driver expects.
	ErrWrongABI = errors.New("device does not implement legacy virtio ABI")

	// ErrIO is returned when the device misbehaves at the register level.
	ErrIO = errors.New("device i/o error")
)
