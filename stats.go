package nimbus

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/nimbus/config"
	"github.com/slackhq/nimbus/vnet"
)

// StartStats wires the metrics registry to the configured sink. The driver
// counters stay plain per-queue integers owned by the queue owners; the
// registry samples them through functional gauges.
func StartStats(l *logrus.Logger, c *config.C, buildVersion string) error {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	switch mType {
	case "graphite":
		if err := startGraphiteStats(l, interval, c); err != nil {
			return err
		}
	case "prometheus":
		if err := startPrometheusStats(l, interval, c, buildVersion); err != nil {
			return err
		}
	default:
		return fmt.Errorf("stats.type was not understood: %s", mType)
	}

	metrics.RegisterDebugGCStats(metrics.DefaultRegistry)
	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)

	go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, interval)
	go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, interval)

	return nil
}

// RegisterNetStats publishes an attached net driver's aggregated counters.
func RegisterNetStats(n *vnet.Net) {
	name := n.Interface().Name

	gauge := func(stat string, sample func() uint64) {
		metrics.GetOrRegisterFunctionalGauge(
			fmt.Sprintf("interface.%s.%s", name, stat),
			metrics.DefaultRegistry,
			func() int64 { return int64(sample()) },
		)
	}

	gauge("rx.packets", func() uint64 { return n.GetInfo().IPackets })
	gauge("rx.bytes", func() uint64 { return n.GetInfo().IBytes })
	gauge("rx.drops", func() uint64 { return n.GetInfo().IQDrops })
	gauge("rx.errors", func() uint64 { return n.GetInfo().IErrors })
	gauge("tx.packets", func() uint64 { return n.GetInfo().OPackets })
	gauge("tx.bytes", func() uint64 { return n.GetInfo().OBytes })
	gauge("tx.errors", func() uint64 { return n.GetInfo().OErrors })
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C) error {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "nimbus")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
	go graphite.Graphite(metrics.DefaultRegistry, i, prefix, addr)
	return nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, buildVersion string) error {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, namespace, subsystem, pr, i)
	go pClient.UpdatePrometheusMetrics()

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "info",
		Help:        "Version information for the nimbus binary",
		ConstLabels: prometheus.Labels{"version": buildVersion},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	l.Infof("Prometheus stats listening on %s at %s", listen, path)
	go func() {
		l.Fatal(http.ListenAndServe(listen, mux))
	}()

	return nil
}
