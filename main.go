package nimbus

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/nimbus/config"
	"github.com/slackhq/nimbus/virtio/virtsim"
	"github.com/slackhq/nimbus/vnet"
	"github.com/slackhq/nimbus/vrng"
)

// Node is one simulated machine: an emulated virtio net device with its
// driver and stack bridge, and optionally an entropy device.
type Node struct {
	Model  *virtsim.NetModel
	Net    *vnet.Net
	Bridge *Bridge
	RNG    *vrng.RNG
}

// Main builds the simulation the harness runs: two nodes whose emulated net
// devices are cross-wired so that every frame one transmits arrives at the
// other, plus an entropy device on the first node.
func Main(c *config.C, buildVersion string, l *logrus.Logger) (*Control, error) {
	if err := ConfigLogger(l, c); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	pairs := uint16(c.GetInt("device.queue_pairs", 1))
	cpus := c.GetInt("device.cpus", int(2*pairs))
	msix := c.GetBool("device.msix", true)

	macA := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macB := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	// The egress of each model feeds the ingress of the other. The models
	// exist before the cross wiring, so the closures indirect through the
	// slots.
	var modelA, modelB *virtsim.NetModel
	modelA = virtsim.NewNetModel(macA, pairs, func(frame []byte) { modelB.Inject(frame) })
	modelB = virtsim.NewNetModel(macB, pairs, func(frame []byte) { modelA.Inject(frame) })

	nodeA, err := buildNode(l, c, modelA, msix, cpus, c.GetString("node_a.address", "192.168.90.1/24"))
	if err != nil {
		return nil, fmt.Errorf("node a: %w", err)
	}
	nodeB, err := buildNode(l, c, modelB, msix, cpus, c.GetString("node_b.address", "192.168.90.2/24"))
	if err != nil {
		return nil, fmt.Errorf("node b: %w", err)
	}

	// The first node also carries the entropy device.
	rngModel := virtsim.NewRNGModel()
	rngDev := virtsim.NewPCIDev(rngModel, msix)
	rngModel.Bind(rngDev)

	registry := &virtsim.SourceRegistry{}
	nodeA.RNG, err = vrng.New(l, rngDev, rngDev.QueueFactory(), registry, c.GetInt("entropy.pool_size", 0))
	if err != nil {
		return nil, fmt.Errorf("attach rng: %w", err)
	}

	if err := StartStats(l, c, buildVersion); err != nil {
		return nil, fmt.Errorf("start stats: %w", err)
	}
	RegisterNetStats(nodeA.Net)
	RegisterNetStats(nodeB.Net)

	return NewControl(l, c, nodeA, nodeB), nil
}

func buildNode(l *logrus.Logger, c *config.C, model *virtsim.NetModel, msix bool, cpus int, addr string) (*Node, error) {
	dev := virtsim.NewPCIDev(model, msix)
	model.Bind(dev)

	sched := &virtsim.FixedScheduler{CPU: 0, CPUs: cpus}

	n, err := vnet.New(l, dev, sched, dev.QueueFactory())
	if err != nil {
		return nil, err
	}

	bridge, err := NewBridge(l, n, addr)
	if err != nil {
		return nil, err
	}

	return &Node{Model: model, Net: n, Bridge: bridge}, nil
}
