package virtio

import "fmt"

// MSIXBinding routes one MSI-X table entry. Ack runs first in interrupt
// context, typically to disable the queue's completion interrupts; Wake, when
// set, is signalled afterwards.
type MSIXBinding struct {
	Vector int
	Ack    func()
	Wake   *Waiter
}

// RegisterMSIX installs the given vector bindings on the device.
func (t *Transport) RegisterMSIX(bindings []MSIXBinding) error {
	for _, b := range bindings {
		b := b
		handler := func() {
			if b.Ack != nil {
				b.Ack()
			}
			if b.Wake != nil {
				b.Wake.Wake()
			}
		}
		if err := t.dev.RegisterMSIXVector(b.Vector, handler); err != nil {
			return fmt.Errorf("register MSI-X vector %d: %w", b.Vector, err)
		}
	}
	return nil
}

// RegisterLegacy installs an ack/wake pair on the shared legacy line. Ack
// reads the ISR register: nonzero means an interrupt was pending and the
// handler claims it (waking the target), zero means it was spurious and no
// wake is issued.
func (t *Transport) RegisterLegacy(ack func() bool, w *Waiter) error {
	handler := func() bool {
		if !ack() {
			return false
		}
		if w != nil {
			w.Wake()
		}
		return true
	}
	if err := t.dev.RegisterLegacyIRQ(t.dev.InterruptLine(), handler); err != nil {
		return fmt.Errorf("register legacy irq: %w", err)
	}
	return nil
}
