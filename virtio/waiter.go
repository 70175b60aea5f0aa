package virtio

// Waiter is the wake target a queue's interrupt handler signals. One waiter
// belongs to exactly one waiting agent (an RX polling agent, the entropy
// worker); Wake may be called from interrupt context and never blocks.
type Waiter struct {
	ch chan struct{}
}

// NewWaiter returns a waiter with a single pending-wake slot. Coalescing
// multiple wakes into one is fine: the waiter re-checks its predicate after
// every wakeup.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan struct{}, 1)}
}

// Wake marks the waiter runnable. A wake delivered while no one is waiting
// is remembered for the next Wait.
func (w *Waiter) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the next Wake.
func (w *Waiter) Wait() {
	<-w.ch
}
