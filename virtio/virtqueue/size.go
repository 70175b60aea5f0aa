package virtqueue

import "fmt"

// maxQueueSize is the largest queue size the virtio specification permits.
const maxQueueSize = 32768

// CheckQueueSize validates the given queue size. Sizes must be powers of two
// because the ring indexes rely on 16-bit wraparound being a multiple of the
// ring length.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("queue size must be positive: %d", queueSize)
	}
	if queueSize > maxQueueSize {
		return fmt.Errorf("queue size exceeds maximum of %d: %d", maxQueueSize, queueSize)
	}
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("queue size must be a power of two: %d", queueSize)
	}
	return nil
}
