package nimbus

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"

	"github.com/slackhq/nimbus/config"
)

// Control drives the running simulation: an echo server on one node, a
// client on the other, periodic entropy reads and stats lines, and a clean
// shutdown on signal.
type Control struct {
	l *logrus.Logger
	c *config.C

	nodeA *Node
	nodeB *Node

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// NewControl wraps the built nodes.
func NewControl(l *logrus.Logger, c *config.C, nodeA, nodeB *Node) *Control {
	return &Control{l: l, c: c, nodeA: nodeA, nodeB: nodeB}
}

// Start launches the traffic generators.
func (ct *Control) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	ct.cancel = cancel
	ct.eg, ctx = errgroup.WithContext(ctx)

	port := uint16(ct.c.GetInt("traffic.port", 9000))
	interval := ct.c.GetDuration("traffic.interval", time.Second)

	ct.eg.Go(func() error { return ct.echoServer(ctx, port) })
	ct.eg.Go(func() error { return ct.echoClient(ctx, port, interval) })
	ct.eg.Go(func() error { return ct.entropyReader(ctx, interval) })
	ct.eg.Go(func() error { return ct.statsReporter(ctx, 10*interval) })
}

// Stop cancels the traffic and waits for it to drain.
func (ct *Control) Stop() {
	if ct.cancel != nil {
		ct.cancel()
		_ = ct.eg.Wait()
	}
}

// ShutdownBlock waits for a termination signal, then stops.
func (ct *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	rawSig := <-sigChan
	ct.l.WithField("signal", rawSig).Info("Caught signal, shutting down")
	ct.Stop()
}

func (ct *Control) echoServer(ctx context.Context, port uint16) error {
	b := ct.nodeB.Bridge
	addr, err := mainAddress(b)
	if err != nil {
		return err
	}

	ln, lnErr := gonet.ListenTCP(b.Stack, tcpip.FullAddress{
		NIC:  b.NICID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)
	if lnErr != nil {
		return fmt.Errorf("echo listen: %w", lnErr)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("echo accept: %w", err)
		}
		go func() {
			defer conn.Close()
			_, _ = io.Copy(conn, conn)
		}()
	}
}

func (ct *Control) echoClient(ctx context.Context, port uint16, interval time.Duration) error {
	b := ct.nodeA.Bridge
	peer, err := mainAddress(ct.nodeB.Bridge)
	if err != nil {
		return err
	}

	full := tcpip.FullAddress{Addr: peer, Port: port}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		conn, dialErr := gonet.DialContextTCP(ctx, b.Stack, full, ipv4.ProtocolNumber)
		if dialErr != nil {
			ct.l.WithError(dialErr).Debug("echo dial failed")
			continue
		}

		seq++
		msg := fmt.Sprintf("nimbus-%d", seq)
		if _, err := conn.Write([]byte(msg)); err == nil {
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(conn, buf); err == nil {
				ct.l.WithField("echo", string(buf)).Debug("echo round trip")
			}
		}
		conn.Close()
	}
}

func (ct *Control) entropyReader(ctx context.Context, interval time.Duration) error {
	if ct.nodeA.RNG == nil {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, 32)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		got := 0
		for got < len(buf) {
			got += ct.nodeA.RNG.GetRandomBytes(buf[got:])
		}
		ct.l.WithField("bytes", got).Trace("entropy read")
	}
}

func (ct *Control) statsReporter(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, node := range []*Node{ct.nodeA, ct.nodeB} {
			data := node.Net.GetInfo()
			ct.l.WithFields(logrus.Fields{
				"interface": node.Net.Interface().Name,
				"rxPackets": data.IPackets,
				"rxDrops":   data.IQDrops,
				"txPackets": data.OPackets,
				"txErrors":  data.OErrors,
			}).Info("interface statistics")
		}
	}
}

func mainAddress(b *Bridge) (tcpip.Address, error) {
	addr, err := b.Stack.GetMainNICAddress(b.NICID, ipv4.ProtocolNumber)
	if err != nil {
		return tcpip.Address{}, fmt.Errorf("get nic address: %v", err)
	}
	return addr.Address, nil
}
