package virtsim

import (
	"sync"

	"github.com/slackhq/nimbus/vrng"
)

// FixedScheduler is the per-CPU scheduler view the simulation hands to the
// net driver. CPU identity is advisory in the simulation, so it is simply a
// settable value.
type FixedScheduler struct {
	// CPU is the id reported for every caller.
	CPU int
	// CPUs is the number of CPUs the machine pretends to have.
	CPUs int
}

// CurrentCPU implements ifnet.Scheduler.
func (s *FixedScheduler) CurrentCPU() int { return s.CPU }

// NumCPU implements ifnet.Scheduler.
func (s *FixedScheduler) NumCPU() int { return s.CPUs }

// Pin implements ifnet.Scheduler. Pinning is advisory and the simulation
// ignores it.
func (s *FixedScheduler) Pin(cpu int) {}

// SourceRegistry collects registered entropy sources, standing in for the
// kernel's RNG source registry.
type SourceRegistry struct {
	mu      sync.Mutex
	sources map[string]vrng.Source
}

// RegisterSource implements vrng.SourceRegistry.
func (r *SourceRegistry) RegisterSource(name string, src vrng.Source) {
	r.mu.Lock()
	if r.sources == nil {
		r.sources = make(map[string]vrng.Source)
	}
	r.sources[name] = src
	r.mu.Unlock()
}

// Source returns a registered source by name.
func (r *SourceRegistry) Source(name string) vrng.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources[name]
}
